// Package store defines the persistence interface for the decisioning
// and reconciliation engine, with Postgres and SQLite backends. Every
// query is tenant-scoped; there are no cross-tenant reads.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrDuplicateExport is returned by CreateExportRecord when a record
// with the same (tenant, payload hash) already exists. The unique
// constraint violation itself is the idempotency signal; callers must
// not pre-check.
var ErrDuplicateExport = eris.New("store: duplicate export record")

// ErrDuplicateEntry is returned by InsertJournalEntry when an entry
// with the same (tenant, payload hash) already exists under a
// different id. Re-inserting the same id is an upsert, not an error.
var ErrDuplicateEntry = eris.New("store: duplicate journal entry")

// TxFilter narrows ListTransactions.
type TxFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// ProposalFilter narrows ListProposals.
type ProposalFilter struct {
	Route        model.Route
	CreatedAfter time.Time
	Limit        int
}

// RecallLabel is one confirmed (vendor → account) pair with its stored
// embedding, the unit of the similarity recall index.
type RecallLabel struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	VendorKey string    `json:"vendor_key"`
	Account   string    `json:"account"`
	Embedding []float32 `json:"embedding"`
	LabeledAt time.Time `json:"labeled_at"`
}

// ExportRecord maps an exported journal entry's payload hash to the
// external document id it produced.
type ExportRecord struct {
	TenantID    string    `json:"tenant_id"`
	PayloadHash string    `json:"payload_hash"`
	ExternalDoc string    `json:"external_doc_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence interface for the engine.
type Store interface {
	// Transactions (read-mostly; created by ingestion).
	InsertTransaction(ctx context.Context, tx model.Transaction) error
	GetTransaction(ctx context.Context, tenantID, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, f TxFilter) ([]model.Transaction, error)

	// Proposals (immutable; superseded, never edited).
	InsertProposal(ctx context.Context, p model.CategorizationProposal) error
	LatestProposal(ctx context.Context, tenantID, transactionID string) (*model.CategorizationProposal, error)
	ListProposals(ctx context.Context, tenantID string, f ProposalFilter) ([]model.CategorizationProposal, error)

	// Journal entries. InsertJournalEntry is keyed two ways: the same
	// id upserts (a corrected entry replaces its legs), while the same
	// (tenant, payload hash) under a fresh id returns ErrDuplicateEntry
	// so retried decisions reuse the prior entry.
	InsertJournalEntry(ctx context.Context, e model.JournalEntry) error
	GetJournalEntryByHash(ctx context.Context, tenantID, payloadHash string) (*model.JournalEntry, error)
	ListJournalEntries(ctx context.Context, tenantID string, from, to time.Time) ([]model.JournalEntry, error)

	// Similarity recall labels.
	InsertRecallLabel(ctx context.Context, l RecallLabel) error
	ListRecallLabels(ctx context.Context, tenantID string) ([]RecallLabel, error)

	// Cold-start records. GetColdStart returns ErrNotFound for unseen
	// vendors.
	GetColdStart(ctx context.Context, tenantID, vendorKey string) (*model.ColdStartRecord, error)
	PutColdStart(ctx context.Context, r model.ColdStartRecord) error

	// Calibration models (immutable snapshots; activation is the only
	// state change).
	InsertCalibrationModel(ctx context.Context, m model.CalibrationModel) error
	ActivateCalibrationModel(ctx context.Context, id string, at time.Time) error
	ActiveCalibrationModel(ctx context.Context, tenantID string, strategy model.Strategy, modelVersion string) (*model.CalibrationModel, error)
	ListCalibrationModels(ctx context.Context, tenantID string) ([]model.CalibrationModel, error)

	// Export idempotency ledger.
	CreateExportRecord(ctx context.Context, tenantID, payloadHash string, at time.Time) error
	FinalizeExportRecord(ctx context.Context, tenantID, payloadHash, externalDoc string) error
	GetExportRecord(ctx context.Context, tenantID, payloadHash string) (*ExportRecord, error)
	DeleteExportRecord(ctx context.Context, tenantID, payloadHash string) error

	// Rolling-window spend ledger. ReserveSpend atomically adds
	// amountMicros to the scope's current-day bucket only if the
	// rolling window total stays within capMicros; it reports whether
	// the reservation was granted.
	ReserveSpend(ctx context.Context, scope string, day time.Time, amountMicros, capMicros int64, windowDays int) (bool, error)
	ReleaseSpend(ctx context.Context, scope string, day time.Time, amountMicros int64) error
	SpentMicros(ctx context.Context, scope string, day time.Time, windowDays int) (int64, error)

	// Reconciliation snapshots, replaced wholesale per run.
	ReplaceReconciliationSnapshot(ctx context.Context, tenantID, windowKey string, results []model.ReconciliationResult) error
	GetReconciliationSnapshot(ctx context.Context, tenantID, windowKey string) ([]model.ReconciliationResult, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
