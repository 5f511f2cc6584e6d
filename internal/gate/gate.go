// Package gate is the sole authorization point for posting without
// human review. Every predicate must hold simultaneously; any failure
// routes to review with a specific reason.
package gate

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/config"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// Gate evaluates proposals against the auto-post safety predicates.
type Gate struct {
	backing  store.Store
	settings func(tenantID string) config.DecisionConfig
}

func New(backing store.Store, settings func(tenantID string) config.DecisionConfig) *Gate {
	return &Gate{backing: backing, settings: settings}
}

// Evaluate assigns the proposal's route in place and returns it. This
// is the only code path that ever assigns RouteAutoPost.
func (g *Gate) Evaluate(ctx context.Context, p *model.CategorizationProposal) (*model.CategorizationProposal, error) {
	cfg := g.settings(p.TenantID)

	if reason, ok := g.check(ctx, p, cfg); !ok {
		p.Route = model.RouteNeedsReview
		p.NotAutoPostReason = reason
		zap.L().Debug("gate: routed to review",
			zap.String("tenant_id", p.TenantID),
			zap.String("transaction_id", p.TransactionID),
			zap.String("reason", string(reason)),
		)
		return p, nil
	}

	p.Route = model.RouteAutoPost
	p.NotAutoPostReason = ""
	return p, nil
}

func (g *Gate) check(ctx context.Context, p *model.CategorizationProposal, cfg config.DecisionConfig) (model.NotAutoPostReason, bool) {
	// No stage produced an account. The empty entry is not an
	// imbalance; report why no opinion was formed instead.
	if p.Strategy == "" {
		if p.BudgetLimited() {
			return model.ReasonBudgetFallback, false
		}
		return model.ReasonAnomaly, false
	}

	// Unbalanced entries are a hard invariant violation, checked
	// before anything else and never auto-corrected.
	if !p.Entry.Balanced() {
		return model.ReasonImbalance, false
	}

	if p.RecallAmbiguous && p.Strategy == model.StrategyRecall {
		return model.ReasonRuleConflict, false
	}

	if p.CalibratedP < cfg.AutoPostThreshold {
		return model.ReasonBelowThreshold, false
	}

	// Rules are exempt from cold-start: they encode explicit operator
	// intent for the vendor.
	if p.Strategy != model.StrategyRule {
		count, err := g.coldStartCount(ctx, p)
		if err != nil {
			zap.L().Error("gate: cold-start lookup failed, routing to review",
				zap.String("tenant_id", p.TenantID),
				zap.Error(err),
			)
			return model.ReasonAnomaly, false
		}
		if count < cfg.ColdStartMinimum {
			return model.ReasonColdStart, false
		}
	}

	if p.BudgetLimited() {
		return model.ReasonBudgetFallback, false
	}

	return "", true
}

func (g *Gate) coldStartCount(ctx context.Context, p *model.CategorizationProposal) (int, error) {
	tx, err := g.backing.GetTransaction(ctx, p.TenantID, p.TransactionID)
	if err != nil {
		return 0, eris.Wrap(err, "gate: load transaction")
	}
	rec, err := g.backing.GetColdStart(ctx, p.TenantID, tx.VendorKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "gate: load cold start record")
	}
	// Approvals for a different account than the one proposed do not
	// count toward trusting this proposal.
	if rec.LastLabel != "" && rec.LastLabel != p.Account() {
		return 0, nil
	}
	return rec.ConsistentLabelCount, nil
}
