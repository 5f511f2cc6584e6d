// Package engine orchestrates the decisioning pipeline: blend, gate,
// persist, and, for authorized proposals, post through the idempotent
// export ledger. It also hosts the approval workflow's update hook.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillbooks/quill/internal/config"
	"github.com/quillbooks/quill/internal/decision"
	"github.com/quillbooks/quill/internal/events"
	"github.com/quillbooks/quill/internal/export"
	"github.com/quillbooks/quill/internal/gate"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/recall"
	"github.com/quillbooks/quill/internal/store"
)

// Engine wires the decisioning stages behind a single entry point.
type Engine struct {
	cfg       *config.Config
	backing   store.Store
	blender   *decision.Blender
	gate      *gate.Gate
	exporter  *export.Ledger
	recall    *recall.Store
	exportFn  export.ExportFn
	publisher events.Publisher

	nowFunc func() time.Time
}

func New(cfg *config.Config, backing store.Store, blender *decision.Blender, g *gate.Gate, exporter *export.Ledger, rec *recall.Store, exportFn export.ExportFn, publisher events.Publisher) *Engine {
	return &Engine{
		cfg:       cfg,
		backing:   backing,
		blender:   blender,
		gate:      g,
		exporter:  exporter,
		recall:    rec,
		exportFn:  exportFn,
		publisher: publisher,
		nowFunc:   time.Now,
	}
}

// Decide runs one transaction through the full pipeline. The proposal
// is persisted either way; auto-post authorized entries are posted
// through the export ledger before returning.
func (e *Engine) Decide(ctx context.Context, tenantID, transactionID string, fullEval bool) (*model.CategorizationProposal, error) {
	tx, err := e.backing.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: load transaction")
	}

	proposal, err := e.blender.Blend(ctx, tx, fullEval)
	if err != nil {
		return nil, eris.Wrap(err, "engine: blend")
	}
	if _, err := e.gate.Evaluate(ctx, proposal); err != nil {
		return nil, eris.Wrap(err, "engine: gate")
	}
	if err := e.backing.InsertProposal(ctx, *proposal); err != nil {
		return nil, eris.Wrap(err, "engine: persist proposal")
	}

	if proposal.Route == model.RouteAutoPost {
		if err := e.post(ctx, proposal, true); err != nil {
			return nil, err
		}
	}
	return proposal, nil
}

// DecideBatch decides many transactions concurrently. Failures are
// logged per transaction and do not halt the batch; the count of
// decided proposals is returned.
func (e *Engine) DecideBatch(ctx context.Context, tenantID string, transactionIDs []string, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	decided := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range transactionIDs {
		g.Go(func() error {
			if _, err := e.Decide(gctx, tenantID, id, false); err != nil {
				zap.L().Error("engine: decide failed",
					zap.String("tenant_id", tenantID),
					zap.String("transaction_id", id),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			decided++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return decided, err
	}
	return decided, nil
}

// Approve is the approval workflow's update hook. The confirmed
// account feeds the cold-start record and the recall training set,
// then the approved entry is posted.
func (e *Engine) Approve(ctx context.Context, tenantID, transactionID, account string) error {
	tx, err := e.backing.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return eris.Wrap(err, "engine: load transaction")
	}
	proposal, err := e.backing.LatestProposal(ctx, tenantID, transactionID)
	if err != nil {
		return eris.Wrap(err, "engine: load proposal")
	}
	if account == "" {
		account = proposal.Account()
	}
	if account == "" {
		return eris.New("engine: approval requires an account")
	}

	now := e.nowFunc().UTC()
	if err := e.bumpColdStart(ctx, tenantID, tx.VendorKey(), account, now); err != nil {
		return err
	}
	if err := e.recall.AddLabel(ctx, tenantID, tx.Vendor, account, now); err != nil {
		return eris.Wrap(err, "engine: add recall label")
	}

	entry := proposal.Entry
	if account != proposal.Account() {
		// Reviewer overrode the proposed category; rebuild the legs.
		entry = decision.RebuildEntry(tx, account, e.cfg.TenantSettings(tenantID).FundingAccount, entry.ID, now)
	}
	approved := *proposal
	approved.Entry = entry
	return e.post(ctx, &approved, false)
}

// Reject resets the vendor's cold-start streak. The proposal stays in
// review; no entry is posted.
func (e *Engine) Reject(ctx context.Context, tenantID, transactionID string) error {
	tx, err := e.backing.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return eris.Wrap(err, "engine: load transaction")
	}
	return e.backing.PutColdStart(ctx, model.ColdStartRecord{
		TenantID:             tenantID,
		VendorKey:            tx.VendorKey(),
		ConsistentLabelCount: 0,
		LastUpdated:          e.nowFunc().UTC(),
	})
}

func (e *Engine) bumpColdStart(ctx context.Context, tenantID, vendorKey, account string, now time.Time) error {
	rec, err := e.backing.GetColdStart(ctx, tenantID, vendorKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return eris.Wrap(err, "engine: load cold start record")
		}
		rec = &model.ColdStartRecord{TenantID: tenantID, VendorKey: vendorKey}
	}
	if rec.LastLabel == account {
		rec.ConsistentLabelCount++
	} else {
		// A different account breaks the streak.
		rec.ConsistentLabelCount = 1
	}
	rec.LastLabel = account
	rec.LastUpdated = now
	if err := e.backing.PutColdStart(ctx, *rec); err != nil {
		return eris.Wrap(err, "engine: put cold start record")
	}
	return nil
}

func (e *Engine) post(ctx context.Context, proposal *model.CategorizationProposal, autoPosted bool) error {
	entry := proposal.Entry
	if err := e.backing.InsertJournalEntry(ctx, entry); err != nil {
		if !errors.Is(err, store.ErrDuplicateEntry) {
			return eris.Wrap(err, "engine: persist journal entry")
		}
		// A retried decision minted a fresh entry id for the same
		// payload; adopt the entry already in the ledger so the local
		// and external records stay one-to-one.
		prior, lookErr := e.backing.GetJournalEntryByHash(ctx, proposal.TenantID, entry.PayloadHash())
		if lookErr != nil {
			return eris.Wrap(lookErr, "engine: load prior journal entry")
		}
		entry = *prior
	}

	res, err := e.exporter.ExportOnce(ctx, proposal.TenantID, entry, e.exportFn)
	if err != nil {
		return eris.Wrap(err, "engine: export entry")
	}

	if e.publisher != nil {
		event := events.EntryPosted{
			TenantID:       proposal.TenantID,
			JournalEntryID: entry.ID,
			TransactionID:  entry.TransactionID,
			ExternalDocID:  res.DocID,
			AmountCents:    entry.TotalCents(),
			AutoPosted:     autoPosted,
			PostedAt:       e.nowFunc().UTC(),
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			// Event delivery is best effort; the posting already
			// happened and must not be rolled back.
			zap.L().Error("engine: publish entry_posted event",
				zap.String("tenant_id", proposal.TenantID),
				zap.Error(err),
			)
		}
	}
	return nil
}
