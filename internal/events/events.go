// Package events defines the posted-entry event contract. Publishing
// is optional; a nil publisher disables it.
package events

import (
	"context"
	"time"
)

// EntryPosted is emitted after a journal entry is exported to the
// external ledger.
type EntryPosted struct {
	TenantID       string    `json:"tenant_id"`
	JournalEntryID string    `json:"journal_entry_id"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	ExternalDocID  string    `json:"external_doc_id"`
	AmountCents    int64     `json:"amount_cents"`
	AutoPosted     bool      `json:"auto_posted"`
	PostedAt       time.Time `json:"posted_at"`
}

// Publisher delivers engine events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event EntryPosted) error
	Close() error
}
