// Package model defines the core domain types for the decisioning and
// reconciliation engine: transactions, journal entries, categorization
// proposals, and the supporting records they reference.
package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Transaction is an immutable, already-normalized bank or card movement.
// Amounts are signed integer minor units (cents); the engine never parses
// raw bank files and never mutates a transaction.
type Transaction struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Date        time.Time `json:"date"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Vendor      string    `json:"vendor"`
	SourceRef   string    `json:"source_ref,omitempty"`
}

// VendorKey returns the canonical key for this transaction's vendor,
// used for rule matching, recall lookups, and cold-start tracking.
func (t Transaction) VendorKey() string {
	return NormalizeVendor(t.Vendor)
}

// vendorNormalizer strips diacritics and collapses the text to a
// comparable ASCII-ish form. Built once; transform.Chain is stateless
// per Transform call so concurrent use is fine via transform.String.
var vendorNormalizer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeVendor produces the canonical vendor key: diacritics removed,
// uppercased, punctuation squashed to single spaces, trailing store
// numbers left intact (rules handle those with patterns).
func NormalizeVendor(vendor string) string {
	s, _, err := transform.String(vendorNormalizer, vendor)
	if err != nil {
		s = vendor
	}
	s = strings.ToUpper(s)
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
