// Package budget enforces rolling-window spend caps and call-rate
// limits for the external reasoning fallback. Cap checks are evaluated
// atomically relative to spend recording: the reservation is a single
// increment-and-compare in the store, never a read-then-write pair.
package budget

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// globalScope is the spend-ledger scope shared by all tenants.
const globalScope = model.GlobalTenant

// microsPerUSD converts config USD amounts to the integer micro-USD
// units the spend ledger stores.
const microsPerUSD = 1_000_000

// Caps resolves the effective caps for a tenant.
type Caps struct {
	TenantCapUSD float64
	GlobalCapUSD float64
	WindowDays   int
}

// Guard is the budget gate consulted before every fallback call.
type Guard struct {
	backing store.Store
	caps    func(tenantID string) Caps
	nowFunc func() time.Time

	limiterRate  rate.Limit
	limiterBurst int
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
}

// New creates a Guard. caps resolves per-tenant cap overrides;
// callsPerSecond and burst bound the per-tenant call rate.
func New(backing store.Store, caps func(tenantID string) Caps, callsPerSecond float64, burst int) *Guard {
	if burst < 1 {
		burst = 1
	}
	return &Guard{
		backing:      backing,
		caps:         caps,
		nowFunc:      time.Now,
		limiterRate:  rate.Limit(callsPerSecond),
		limiterBurst: burst,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Reserve atomically reserves costUSD against both the global and the
// tenant rolling-window caps, and consumes one call-rate token. It
// reports false when any cap or the rate limit would be exceeded; in
// that case nothing is recorded. A false result is an availability
// degradation, not an error.
func (g *Guard) Reserve(ctx context.Context, tenantID string, costUSD float64) (bool, error) {
	if !g.limiter(tenantID).Allow() {
		return false, nil
	}

	caps := g.caps(tenantID)
	amount := usdToMicros(costUSD)
	day := g.nowFunc().UTC()

	ok, err := g.backing.ReserveSpend(ctx, globalScope, day, amount, usdToMicros(caps.GlobalCapUSD), caps.WindowDays)
	if err != nil {
		return false, eris.Wrap(err, "budget: reserve global")
	}
	if !ok {
		return false, nil
	}

	ok, err = g.backing.ReserveSpend(ctx, tenantID, day, amount, usdToMicros(caps.TenantCapUSD), caps.WindowDays)
	if err != nil || !ok {
		// Undo the global reservation so a tenant-level rejection does
		// not consume shared budget.
		if relErr := g.backing.ReleaseSpend(ctx, globalScope, day, amount); relErr != nil {
			return false, eris.Wrap(relErr, "budget: release global after tenant rejection")
		}
	}
	if err != nil {
		return false, eris.Wrap(err, "budget: reserve tenant")
	}
	return ok, nil
}

// Release returns a reservation, used when a reserved call never
// reached the provider.
func (g *Guard) Release(ctx context.Context, tenantID string, costUSD float64) error {
	amount := usdToMicros(costUSD)
	day := g.nowFunc().UTC()
	if err := g.backing.ReleaseSpend(ctx, tenantID, day, amount); err != nil {
		return eris.Wrap(err, "budget: release tenant")
	}
	if err := g.backing.ReleaseSpend(ctx, globalScope, day, amount); err != nil {
		return eris.Wrap(err, "budget: release global")
	}
	return nil
}

// Status is a point-in-time view of a tenant's budget, for the metrics
// surface.
type Status struct {
	TenantSpentUSD float64 `json:"tenant_spent_usd"`
	TenantCapUSD   float64 `json:"tenant_cap_usd"`
	GlobalSpentUSD float64 `json:"global_spent_usd"`
	GlobalCapUSD   float64 `json:"global_cap_usd"`
	WindowDays     int     `json:"window_days"`
	Exhausted      bool    `json:"exhausted"`
}

// TenantStatus reports current rolling-window spend against caps.
func (g *Guard) TenantStatus(ctx context.Context, tenantID string) (*Status, error) {
	caps := g.caps(tenantID)
	day := g.nowFunc().UTC()

	tenantSpent, err := g.backing.SpentMicros(ctx, tenantID, day, caps.WindowDays)
	if err != nil {
		return nil, eris.Wrap(err, "budget: tenant spend")
	}
	globalSpent, err := g.backing.SpentMicros(ctx, globalScope, day, caps.WindowDays)
	if err != nil {
		return nil, eris.Wrap(err, "budget: global spend")
	}

	st := &Status{
		TenantSpentUSD: microsToUSD(tenantSpent),
		TenantCapUSD:   caps.TenantCapUSD,
		GlobalSpentUSD: microsToUSD(globalSpent),
		GlobalCapUSD:   caps.GlobalCapUSD,
		WindowDays:     caps.WindowDays,
	}
	st.Exhausted = st.TenantSpentUSD >= st.TenantCapUSD || st.GlobalSpentUSD >= st.GlobalCapUSD
	return st, nil
}

func (g *Guard) limiter(tenantID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(g.limiterRate, g.limiterBurst)
		g.limiters[tenantID] = l
	}
	return l
}

func usdToMicros(usd float64) int64 {
	return int64(math.Round(usd * microsPerUSD))
}

func microsToUSD(micros int64) float64 {
	return float64(micros) / microsPerUSD
}
