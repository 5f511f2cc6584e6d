package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// Runner executes reconciliation over stored data and persists the
// snapshot. Runs are parallel across tenants; within a tenant they are
// serialized so overlapping runs over the same window cannot interleave.
type Runner struct {
	backing       store.Store
	toleranceDays int
	maxParallel   int

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func NewRunner(backing store.Store, toleranceDays, maxParallel int) *Runner {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Runner{
		backing:       backing,
		toleranceDays: toleranceDays,
		maxParallel:   maxParallel,
		tenants:       make(map[string]*sync.Mutex),
	}
}

// WindowKey identifies one reconciliation window's snapshot.
func WindowKey(from, to time.Time) string {
	return fmt.Sprintf("%s..%s", from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
}

// RunTenant reconciles one tenant's window and replaces its snapshot.
func (r *Runner) RunTenant(ctx context.Context, tenantID string, from, to time.Time) ([]model.ReconciliationResult, error) {
	lock := r.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	txs, err := r.backing.ListTransactions(ctx, tenantID, store.TxFilter{From: from, To: to})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list transactions")
	}
	// Widen the entry window by the tolerance so entries posted just
	// outside the transaction window still participate.
	pad := time.Duration(r.toleranceDays) * 24 * time.Hour
	entries, err := r.backing.ListJournalEntries(ctx, tenantID, from.Add(-pad), to.Add(pad))
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list journal entries")
	}

	results := Match(txs, entries, r.toleranceDays)
	key := WindowKey(from, to)
	if err := r.backing.ReplaceReconciliationSnapshot(ctx, tenantID, key, results); err != nil {
		return nil, eris.Wrap(err, "reconcile: replace snapshot")
	}

	zap.L().Info("reconcile: snapshot replaced",
		zap.String("tenant_id", tenantID),
		zap.String("window", key),
		zap.Int("transactions", len(txs)),
		zap.Int("entries", len(entries)),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// RunAll reconciles the window for every listed tenant concurrently.
func (r *Runner) RunAll(ctx context.Context, tenantIDs []string, from, to time.Time) (map[string][]model.ReconciliationResult, error) {
	var outMu sync.Mutex
	out := make(map[string][]model.ReconciliationResult, len(tenantIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			results, err := r.RunTenant(gctx, tenantID, from, to)
			if err != nil {
				return eris.Wrapf(err, "reconcile: tenant %s", tenantID)
			}
			outMu.Lock()
			out[tenantID] = results
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) tenantLock(tenantID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.tenants[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		r.tenants[tenantID] = lock
	}
	return lock
}
