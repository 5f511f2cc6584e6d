package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Leg is one side of a double-entry journal entry. Exactly one of
// DebitCents or CreditCents is non-zero on a well-formed leg; both are
// integer minor units.
type Leg struct {
	Account     string `json:"account"`
	DebitCents  int64  `json:"debit_cents"`
	CreditCents int64  `json:"credit_cents"`
}

// JournalEntry is a double-entry record. TransactionID is empty for
// manual entries. The balance invariant (sum of debits equals sum of
// credits, exact integer equality) is checked, never corrected.
type JournalEntry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Date          time.Time `json:"date"`
	Legs          []Leg     `json:"legs"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balanced reports whether debits and credits sum to the same integer
// amount. An entry with no legs is not balanced.
func (e JournalEntry) Balanced() bool {
	if len(e.Legs) == 0 {
		return false
	}
	var debits, credits int64
	for _, l := range e.Legs {
		debits += l.DebitCents
		credits += l.CreditCents
	}
	return debits == credits
}

// TotalCents returns the entry's debit-side total.
func (e JournalEntry) TotalCents() int64 {
	var debits int64
	for _, l := range e.Legs {
		debits += l.DebitCents
	}
	return debits
}

// PayloadHash computes the deterministic idempotency fingerprint of the
// entry's content: tenant, source transaction, entry date, and legs
// sorted by (account, debit, credit). Two entries with identical
// normalized content always hash identically, regardless of leg order
// or entry id.
func (e JournalEntry) PayloadHash() string {
	legs := make([]Leg, len(e.Legs))
	copy(legs, e.Legs)
	sort.Slice(legs, func(i, j int) bool {
		if legs[i].Account != legs[j].Account {
			return legs[i].Account < legs[j].Account
		}
		if legs[i].DebitCents != legs[j].DebitCents {
			return legs[i].DebitCents < legs[j].DebitCents
		}
		return legs[i].CreditCents < legs[j].CreditCents
	})

	h := sha256.New()
	fmt.Fprintf(h, "tenant=%s\n", e.TenantID)
	fmt.Fprintf(h, "transaction=%s\n", e.TransactionID)
	fmt.Fprintf(h, "date=%s\n", e.Date.UTC().Format("2006-01-02"))
	for _, l := range legs {
		fmt.Fprintf(h, "leg=%s|%d|%d\n", l.Account, l.DebitCents, l.CreditCents)
	}
	return hex.EncodeToString(h.Sum(nil))
}
