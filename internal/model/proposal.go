package model

import "time"

// Strategy identifies a decisioning stage.
type Strategy string

const (
	StrategyRule     Strategy = "rule"
	StrategyRecall   Strategy = "recall"
	StrategyFallback Strategy = "fallback"
)

// Route is the review decision attached to a proposal. Only the
// auto-post gate ever assigns RouteAutoPost.
type Route string

const (
	RouteAutoPost    Route = "auto_post"
	RouteNeedsReview Route = "needs_review"
)

// NotAutoPostReason is the closed set of reasons a proposal was routed
// to human review.
type NotAutoPostReason string

const (
	ReasonBelowThreshold NotAutoPostReason = "below_threshold"
	ReasonColdStart      NotAutoPostReason = "cold_start"
	ReasonImbalance      NotAutoPostReason = "imbalance"
	ReasonBudgetFallback NotAutoPostReason = "budget_fallback"
	ReasonAnomaly        NotAutoPostReason = "anomaly"
	ReasonRuleConflict   NotAutoPostReason = "rule_conflict"
)

// StageKind tags a StageOutcome variant.
type StageKind string

const (
	StageHit          StageKind = "hit"
	StageInconclusive StageKind = "inconclusive"
	StageSkipped      StageKind = "skipped"
)

// StageOutcome is the tagged result of one decisioning stage. A stage
// either produced a hit, executed and was inconclusive, or was skipped
// because an earlier stage short-circuited.
type StageOutcome struct {
	Strategy      Strategy  `json:"strategy"`
	Kind          StageKind `json:"kind"`
	Account       string    `json:"account,omitempty"`
	RawScore      float64   `json:"raw_score,omitempty"`
	CalibratedP   float64   `json:"calibrated_p,omitempty"`
	CalibrationID string    `json:"calibration_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

// RuleHit is a deterministic pattern-rule match.
type RuleHit struct {
	RuleID      string  `json:"rule_id"`
	Account     string  `json:"account"`
	Confidence  float64 `json:"confidence"`
	RuleVersion string  `json:"rule_version"`
}

// RecallHit is one nearest-neighbor result from the similarity store.
type RecallHit struct {
	Account    string    `json:"account"`
	Similarity float64   `json:"similarity"`
	LabeledAt  time.Time `json:"labeled_at"`
}

// UnavailableReason explains why the external reasoning fallback
// produced no proposal. These are availability degradations, not errors.
type UnavailableReason string

const (
	UnavailableBudget   UnavailableReason = "budget_fallback"
	UnavailableProvider UnavailableReason = "provider_error"
	UnavailableTimeout  UnavailableReason = "timeout"
)

// FallbackProposal is a structured proposal from the external reasoner.
// When Unavailable is non-empty the remaining fields are zero.
type FallbackProposal struct {
	Account     string            `json:"account,omitempty"`
	RawScore    float64           `json:"raw_score,omitempty"`
	Rationale   string            `json:"rationale,omitempty"`
	Unavailable UnavailableReason `json:"unavailable,omitempty"`
}

// CategorizationProposal is the blender's immutable output for one
// decisioning pass over one transaction. Re-runs supersede rather than
// edit: a fresh proposal with a new id replaces the prior one.
type CategorizationProposal struct {
	ID                string            `json:"id"`
	TransactionID     string            `json:"transaction_id"`
	TenantID          string            `json:"tenant_id"`
	Entry             JournalEntry      `json:"entry"`
	Strategy          Strategy          `json:"strategy"`
	RawScore          float64           `json:"raw_score"`
	CalibratedP       float64           `json:"calibrated_p"`
	Route             Route             `json:"route"`
	NotAutoPostReason NotAutoPostReason `json:"not_auto_post_reason,omitempty"`
	Trace             []StageOutcome    `json:"trace"`
	RuleVersion       string            `json:"rule_version,omitempty"`
	ModelVersion      string            `json:"model_version"`
	CalibrationID     string            `json:"calibration_id"`
	RecallAmbiguous   bool              `json:"recall_ambiguous,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Account returns the proposal's primary (category) account: the debit
// account for outflows, the credit account for inflows.
func (p CategorizationProposal) Account() string {
	for _, o := range p.Trace {
		if o.Strategy == p.Strategy && o.Kind == StageHit {
			return o.Account
		}
	}
	return ""
}

// BudgetLimited reports whether the fallback stage was suppressed by a
// spend cap during this decisioning pass.
func (p CategorizationProposal) BudgetLimited() bool {
	for _, o := range p.Trace {
		if o.Strategy == StrategyFallback && o.Detail == string(UnavailableBudget) {
			return true
		}
	}
	return false
}
