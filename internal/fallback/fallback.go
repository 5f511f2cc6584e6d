// Package fallback invokes the external reasoning provider for
// transactions that neither rules nor recall could decide, under
// budget caps, a bounded timeout, and a circuit breaker. Every failure
// mode degrades to an Unavailable proposal rather than an error.
package fallback

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/budget"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/resilience"
	"github.com/quillbooks/quill/pkg/reasoner"
)

// Tier wraps the reasoning client with the budget guard and a breaker.
type Tier struct {
	client      reasoner.Client
	guard       *budget.Guard
	breaker     *resilience.Breaker
	timeout     time.Duration
	costPerCall float64
}

// New builds the fallback tier. costPerCallUSD is the flat reservation
// charged against the spend caps for each provider call; timeout bounds
// each call so the decisioning path never blocks indefinitely.
func New(client reasoner.Client, guard *budget.Guard, timeout time.Duration, costPerCallUSD float64) *Tier {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Tier{
		client:      client,
		guard:       guard,
		breaker:     resilience.NewBreaker(5, 30*time.Second),
		timeout:     timeout,
		costPerCall: costPerCallUSD,
	}
}

// Propose asks the provider for an account. The returned proposal is
// never nil: cap breaches, breaker rejections, timeouts, and provider
// errors all come back as Unavailable with the matching reason.
func (t *Tier) Propose(ctx context.Context, tx *model.Transaction, accounts []reasoner.AccountOption) *model.FallbackProposal {
	ok, err := t.guard.Reserve(ctx, tx.TenantID, t.costPerCall)
	if err != nil {
		zap.L().Error("fallback: budget reservation failed",
			zap.String("tenant_id", tx.TenantID),
			zap.Error(err),
		)
		return &model.FallbackProposal{Unavailable: model.UnavailableProvider}
	}
	if !ok {
		zap.L().Info("fallback: budget cap reached, skipping provider",
			zap.String("tenant_id", tx.TenantID),
			zap.String("transaction_id", tx.ID),
		)
		return &model.FallbackProposal{Unavailable: model.UnavailableBudget}
	}

	if err := t.breaker.Allow(); err != nil {
		t.release(ctx, tx.TenantID)
		zap.L().Warn("fallback: circuit open, skipping provider",
			zap.String("tenant_id", tx.TenantID),
		)
		return &model.FallbackProposal{Unavailable: model.UnavailableProvider}
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	prop, err := t.client.ProposeAccount(callCtx, reasoner.Request{
		TenantID:    tx.TenantID,
		Vendor:      tx.Vendor,
		Description: tx.Description,
		AmountCents: tx.AmountCents,
		Currency:    tx.Currency,
		Date:        tx.Date,
		Accounts:    accounts,
	})
	t.breaker.Record(err)
	if err != nil {
		reason := model.UnavailableProvider
		if errors.Is(err, context.DeadlineExceeded) {
			reason = model.UnavailableTimeout
		}
		zap.L().Warn("fallback: provider call failed",
			zap.String("tenant_id", tx.TenantID),
			zap.String("transaction_id", tx.ID),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return &model.FallbackProposal{Unavailable: reason}
	}

	return &model.FallbackProposal{
		Account:   prop.Account,
		RawScore:  prop.Confidence,
		Rationale: prop.Rationale,
	}
}

func (t *Tier) release(ctx context.Context, tenantID string) {
	if err := t.guard.Release(ctx, tenantID, t.costPerCall); err != nil {
		zap.L().Error("fallback: release reservation", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
