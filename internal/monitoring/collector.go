// Package monitoring gathers the operator-facing metrics surface:
// automation and auto-post rates, review reason tallies, calibration
// default usage, and budget status.
package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/budget"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// MetricsSnapshot holds a point-in-time view of decisioning health for
// one tenant.
type MetricsSnapshot struct {
	TenantID string `json:"tenant_id"`

	// Proposal counts within the lookback window.
	ProposalTotal int `json:"proposal_total"`
	AutoPosted    int `json:"auto_posted"`
	NeedsReview   int `json:"needs_review"`

	// AutomationRate is the share of proposals that carry a decided
	// account; AutoPostRate the share authorized without review.
	AutomationRate float64 `json:"automation_rate"`
	AutoPostRate   float64 `json:"auto_post_rate"`

	// ReasonTallies counts needs_review proposals per closed reason.
	ReasonTallies map[string]int `json:"reason_tallies"`

	// StrategyTallies counts decided proposals per winning strategy.
	StrategyTallies map[string]int `json:"strategy_tallies"`

	// CalibrationDefaultRate is the share of decided proposals served
	// by the global default calibration model.
	CalibrationDefaultRate float64 `json:"calibration_default_rate"`

	// Budget status for the same tenant.
	Budget *budget.Status `json:"budget,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the budget guard.
type Collector struct {
	store store.Store
	guard *budget.Guard
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, guard *budget.Guard) *Collector {
	return &Collector{store: st, guard: guard}
}

// Collect gathers a tenant snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, tenantID string, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		TenantID:        tenantID,
		ReasonTallies:   make(map[string]int),
		StrategyTallies: make(map[string]int),
		LookbackHours:   lookbackHours,
		CollectedAt:     time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	proposals, err := c.store.ListProposals(ctx, tenantID, store.ProposalFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list proposals")
	}

	snap.ProposalTotal = len(proposals)
	var decided, defaults int
	for _, p := range proposals {
		if p.Strategy != "" {
			decided++
			snap.StrategyTallies[string(p.Strategy)]++
			if usedDefaultCalibration(p) {
				defaults++
			}
		}
		switch p.Route {
		case model.RouteAutoPost:
			snap.AutoPosted++
		case model.RouteNeedsReview:
			snap.NeedsReview++
			if p.NotAutoPostReason != "" {
				snap.ReasonTallies[string(p.NotAutoPostReason)]++
			}
		}
	}

	if snap.ProposalTotal > 0 {
		snap.AutomationRate = float64(decided) / float64(snap.ProposalTotal)
		snap.AutoPostRate = float64(snap.AutoPosted) / float64(snap.ProposalTotal)
	}
	if decided > 0 {
		snap.CalibrationDefaultRate = float64(defaults) / float64(decided)
	}

	if c.guard != nil {
		status, err := c.guard.TenantStatus(ctx, tenantID)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: budget status")
		}
		snap.Budget = status
	}
	return snap, nil
}

func usedDefaultCalibration(p model.CategorizationProposal) bool {
	for _, o := range p.Trace {
		if o.Strategy == p.Strategy && o.Kind == model.StageHit {
			return strings.Contains(o.Detail, "calibration: default")
		}
	}
	return false
}
