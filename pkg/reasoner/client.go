// Package reasoner provides the external probabilistic reasoning
// client used as the last decisioning tier. Proposals are structured:
// the model must select an account from the provided chart, never free
// text.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AccountOption is one valid target account from the tenant's chart.
type AccountOption struct {
	ID   string
	Name string
}

// Request carries the transaction context for a proposal.
type Request struct {
	TenantID    string
	Vendor      string
	Description string
	AmountCents int64
	Currency    string
	Date        time.Time
	Accounts    []AccountOption
}

// Proposal is a structured categorization suggestion. Account is always
// a member of the request's chart.
type Proposal struct {
	Account    string  `json:"account"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Usage tracks token consumption for cost attribution.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// LogCost logs token usage with structured zap fields.
func (u Usage) LogCost(model, tenantID string) {
	zap.L().Info("reasoner: cost attribution",
		zap.String("model", model),
		zap.String("tenant_id", tenantID),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

// Client defines the reasoning operations used by the fallback tier.
type Client interface {
	ProposeAccount(ctx context.Context, req Request) (*Proposal, error)
}

const systemPrompt = `You are an accounting assistant categorizing bank transactions into a chart of accounts. You must choose exactly one account id from the provided list. Respond with a valid JSON object: {"account": "<account id from the list>", "confidence": <0.0-1.0>, "rationale": "<one sentence>"}`

const userPromptTemplate = `Transaction:
Vendor: %s
Description: %s
Amount: %s %.2f
Date: %s

Valid accounts (choose one id):
%s`

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates a reasoning client backed by the Anthropic SDK.
func NewClient(apiKey, model string, maxTokens int64) Client {
	return &sdkClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *sdkClient) ProposeAccount(ctx context.Context, req Request) (*Proposal, error) {
	if len(req.Accounts) == 0 {
		return nil, eris.New("reasoner: empty chart of accounts")
	}

	var chart strings.Builder
	valid := make(map[string]bool, len(req.Accounts))
	for _, a := range req.Accounts {
		fmt.Fprintf(&chart, "- %s: %s\n", a.ID, a.Name)
		valid[a.ID] = true
	}

	prompt := fmt.Sprintf(userPromptTemplate,
		req.Vendor, req.Description, req.Currency,
		float64(req.AmountCents)/100, req.Date.Format("2006-01-02"),
		chart.String(),
	)

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: sdk.Float(0),
		System:      []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return nil, eris.Wrap(err, "reasoner: create message")
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text = b.Text
			break
		}
	}
	if text == "" {
		return nil, eris.New("reasoner: empty response")
	}

	Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}.LogCost(c.model, req.TenantID)

	proposal, err := parseProposal(text)
	if err != nil {
		return nil, err
	}
	if !valid[proposal.Account] {
		return nil, eris.Errorf("reasoner: proposed account %q not in chart", proposal.Account)
	}
	return proposal, nil
}

// parseProposal extracts the JSON object from a response that may be
// wrapped in markdown fences or surrounding prose.
func parseProposal(text string) (*Proposal, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.Errorf("reasoner: no JSON object in response: %.80s", text)
	}

	var p Proposal
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, eris.Wrap(err, "reasoner: parse proposal")
	}
	if p.Account == "" {
		return nil, eris.New("reasoner: proposal has no account")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, eris.Errorf("reasoner: confidence %v out of range", p.Confidence)
	}
	return &p, nil
}
