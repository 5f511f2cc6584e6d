// Package export guarantees at-most-once external posting per logical
// journal entry. The unique constraint on (tenant, payload hash) is
// the concurrency signal; there is no check-then-act pre-read.
package export

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/resilience"
	"github.com/quillbooks/quill/internal/store"
)

// ExportFn posts one journal entry to the external ledger and returns
// the external document id.
type ExportFn func(ctx context.Context, entry model.JournalEntry) (string, error)

// Result reports one ExportOnce call. Duplicate callers receive the
// same DocID as the caller that performed the export.
type Result struct {
	DocID       string `json:"doc_id"`
	IsDuplicate bool   `json:"is_duplicate"`
}

// Ledger is the idempotency layer in front of an external ledger API.
type Ledger struct {
	backing store.Store
	retry   resilience.RetryConfig

	// finalizeWait bounds how long a duplicate caller waits for the
	// racing first caller to finalize its doc id.
	finalizeWait time.Duration
	pollEvery    time.Duration
}

func New(backing store.Store) *Ledger {
	return &Ledger{
		backing:      backing,
		retry:        resilience.DefaultRetryConfig(),
		finalizeWait: 10 * time.Second,
		pollEvery:    50 * time.Millisecond,
	}
}

// ExportOnce posts the entry at most once per payload hash. The record
// is inserted before the external call so a concurrent attempt with
// identical content loses the insert race and waits for the winner's
// doc id instead of calling out. A failed external call deletes the
// record so a later retry is a legitimate new attempt.
func (l *Ledger) ExportOnce(ctx context.Context, tenantID string, entry model.JournalEntry, fn ExportFn) (*Result, error) {
	if !entry.Balanced() {
		return nil, eris.New("export: refusing unbalanced journal entry")
	}
	hash := entry.PayloadHash()

	err := l.backing.CreateExportRecord(ctx, tenantID, hash, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateExport) {
			return l.awaitPrior(ctx, tenantID, hash)
		}
		return nil, eris.Wrap(err, "export: create idempotency record")
	}

	docID, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (string, error) {
		return fn(ctx, entry)
	})
	if err != nil {
		if delErr := l.backing.DeleteExportRecord(ctx, tenantID, hash); delErr != nil {
			zap.L().Error("export: failed to roll back idempotency record",
				zap.String("tenant_id", tenantID),
				zap.String("payload_hash", hash),
				zap.Error(delErr),
			)
		}
		return nil, eris.Wrap(err, "export: external call failed")
	}

	if err := l.backing.FinalizeExportRecord(ctx, tenantID, hash, docID); err != nil {
		return nil, eris.Wrap(err, "export: finalize idempotency record")
	}

	zap.L().Info("export: posted",
		zap.String("tenant_id", tenantID),
		zap.String("journal_entry_id", entry.ID),
		zap.String("doc_id", docID),
	)
	return &Result{DocID: docID}, nil
}

// awaitPrior polls for the racing exporter's finalized doc id. If the
// winner's export fails it deletes the record, which surfaces here as
// not-found; the caller may then retry ExportOnce.
func (l *Ledger) awaitPrior(ctx context.Context, tenantID, hash string) (*Result, error) {
	deadline := time.Now().Add(l.finalizeWait)
	for {
		rec, err := l.backing.GetExportRecord(ctx, tenantID, hash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, eris.New("export: concurrent export attempt failed, retry")
			}
			return nil, eris.Wrap(err, "export: read prior record")
		}
		if rec.ExternalDoc != "" {
			return &Result{DocID: rec.ExternalDoc, IsDuplicate: true}, nil
		}
		if time.Now().After(deadline) {
			return nil, eris.New("export: timed out waiting for concurrent export to finalize")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}
}
