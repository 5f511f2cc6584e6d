package model

// MatchStatus classifies one (transaction, journal entry) pairing from
// a reconciliation run.
type MatchStatus string

const (
	MatchExact         MatchStatus = "matched"
	MatchDateTolerance MatchStatus = "date_tolerance_matched"
	MatchAmountOff     MatchStatus = "amount_mismatch"
	MatchUnmatched     MatchStatus = "unmatched"
	MatchAmbiguous     MatchStatus = "ambiguous"
)

// ReconciliationResult is one row of a reconciliation snapshot. Each
// run recomputes the full set; results are never mutated in place.
type ReconciliationResult struct {
	TransactionID  string      `json:"transaction_id"`
	JournalEntryID string      `json:"journal_entry_id,omitempty"`
	Status         MatchStatus `json:"status"`
	ToleranceDays  int         `json:"tolerance_days_used"`
	DeltaCents     int64       `json:"delta_cents"`
	NeedsReview    bool        `json:"needs_review"`
	Detail         string      `json:"detail,omitempty"`
}
