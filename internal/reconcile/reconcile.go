// Package reconcile matches transactions against posted journal
// entries by amount and date. Match is a pure function: re-running it
// over unchanged inputs yields an identical result list.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/quillbooks/quill/internal/model"
)

// amountMismatchCents bounds how far off a candidate's amount may be to
// still report amount_mismatch instead of unmatched.
const amountMismatchCents = 100

// Match reconciles transactions against journal entries. For each
// transaction it searches entries with exactly equal minor-unit
// amounts within the date tolerance: one candidate matches (exact or
// date-tolerance), zero is unmatched, several is ambiguous with the
// closest-date entry reported and the result flagged for review.
// Near-miss amounts within a small rounding tolerance are reported as
// amount_mismatch, never corrected.
func Match(transactions []model.Transaction, entries []model.JournalEntry, dateToleranceDays int) []model.ReconciliationResult {
	txs := make([]model.Transaction, len(transactions))
	copy(txs, transactions)
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].Date.Equal(txs[j].Date) {
			return txs[i].Date.Before(txs[j].Date)
		}
		return txs[i].ID < txs[j].ID
	})

	results := make([]model.ReconciliationResult, 0, len(txs))
	for _, tx := range txs {
		results = append(results, matchOne(tx, entries, dateToleranceDays))
	}
	return results
}

func matchOne(tx model.Transaction, entries []model.JournalEntry, toleranceDays int) model.ReconciliationResult {
	amount := absCents(tx.AmountCents)

	var exact []model.JournalEntry
	var nearAmount *model.JournalEntry
	var nearDelta int64
	for i := range entries {
		e := entries[i]
		if e.TenantID != tx.TenantID {
			continue
		}
		if daysApart(tx.Date, e.Date) > toleranceDays {
			continue
		}
		total := e.TotalCents()
		if total == amount {
			exact = append(exact, e)
			continue
		}
		delta := total - amount
		if delta < 0 {
			delta = -delta
		}
		if delta <= amountMismatchCents {
			if nearAmount == nil || delta < nearDelta || (delta == nearDelta && e.ID < nearAmount.ID) {
				cp := e
				nearAmount = &cp
				nearDelta = delta
			}
		}
	}

	switch len(exact) {
	case 0:
		if nearAmount != nil {
			return model.ReconciliationResult{
				TransactionID:  tx.ID,
				JournalEntryID: nearAmount.ID,
				Status:         model.MatchAmountOff,
				ToleranceDays:  toleranceDays,
				DeltaCents:     nearAmount.TotalCents() - amount,
				NeedsReview:    true,
				Detail:         fmt.Sprintf("amount off by %d minor units", nearAmount.TotalCents()-amount),
			}
		}
		return model.ReconciliationResult{
			TransactionID: tx.ID,
			Status:        model.MatchUnmatched,
			ToleranceDays: toleranceDays,
			NeedsReview:   true,
		}
	case 1:
		e := exact[0]
		status := model.MatchExact
		if daysApart(tx.Date, e.Date) > 0 {
			status = model.MatchDateTolerance
		}
		return model.ReconciliationResult{
			TransactionID:  tx.ID,
			JournalEntryID: e.ID,
			Status:         status,
			ToleranceDays:  toleranceDays,
		}
	default:
		closest := closestByDate(tx.Date, exact)
		return model.ReconciliationResult{
			TransactionID:  tx.ID,
			JournalEntryID: closest.ID,
			Status:         model.MatchAmbiguous,
			ToleranceDays:  toleranceDays,
			NeedsReview:    true,
			Detail:         fmt.Sprintf("%d candidate entries with equal amount", len(exact)),
		}
	}
}

// closestByDate picks the candidate nearest the transaction date,
// breaking remaining ties by entry id so the pick is stable. The result
// is still flagged ambiguous; stability only keeps re-runs identical.
func closestByDate(date time.Time, candidates []model.JournalEntry) model.JournalEntry {
	best := candidates[0]
	bestDays := daysApart(date, best.Date)
	for _, c := range candidates[1:] {
		d := daysApart(date, c.Date)
		if d < bestDays || (d == bestDays && c.ID < best.ID) {
			best = c
			bestDays = d
		}
	}
	return best
}

func daysApart(a, b time.Time) int {
	au := a.UTC().Truncate(24 * time.Hour)
	bu := b.UTC().Truncate(24 * time.Hour)
	d := int(au.Sub(bu).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

func absCents(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
