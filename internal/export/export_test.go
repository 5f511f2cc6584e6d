package export

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/resilience"
	"github.com/quillbooks/quill/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	l := New(st)
	l.retry = resilience.RetryConfig{MaxAttempts: 1}
	l.finalizeWait = 2 * time.Second
	l.pollEvery = 5 * time.Millisecond
	return l, st
}

func exportEntry(id string, amount int64) model.JournalEntry {
	return model.JournalEntry{
		ID: id, TenantID: "t1", TransactionID: "tx1",
		Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Legs: []model.Leg{
			{Account: "6000:Meals", DebitCents: amount},
			{Account: "1000:Bank", CreditCents: amount},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestExportOnce_PostsAndFinalizes(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	var calls int
	res, err := l.ExportOnce(ctx, "t1", exportEntry("e1", 4500), func(context.Context, model.JournalEntry) (string, error) {
		calls++
		return "doc-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.DocID)
	assert.False(t, res.IsDuplicate)
	assert.Equal(t, 1, calls)

	rec, err := st.GetExportRecord(ctx, "t1", exportEntry("e1", 4500).PayloadHash())
	require.NoError(t, err)
	assert.Equal(t, "doc-1", rec.ExternalDoc)
}

func TestExportOnce_RefusesUnbalancedEntry(t *testing.T) {
	l, _ := newTestLedger(t)

	entry := exportEntry("e1", 4500)
	entry.Legs[1].CreditCents = 4499

	_, err := l.ExportOnce(context.Background(), "t1", entry, func(context.Context, model.JournalEntry) (string, error) {
		t.Fatal("export fn must not be called for an unbalanced entry")
		return "", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unbalanced")
}

func TestExportOnce_SequentialDuplicateReturnsSameDoc(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var calls int
	fn := func(context.Context, model.JournalEntry) (string, error) {
		calls++
		return "doc-1", nil
	}

	first, err := l.ExportOnce(ctx, "t1", exportEntry("e1", 4500), fn)
	require.NoError(t, err)

	// Same content hashes identically even under a different entry id.
	second, err := l.ExportOnce(ctx, "t1", exportEntry("e2", 4500), fn)
	require.NoError(t, err)

	assert.Equal(t, first.DocID, second.DocID)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, 1, calls)
}

func TestExportOnce_ConcurrentCallersSingleExport(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(context.Context, model.JournalEntry) (string, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "doc-1", nil
	}

	const n = 6
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = l.ExportOnce(ctx, "t1", exportEntry("e1", 4500), fn)
		}()
	}
	wg.Wait()

	var duplicates int
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "doc-1", results[i].DocID)
		if results[i].IsDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, n-1, duplicates)
}

func TestExportOnce_FailureRollsBackRecord(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()
	entry := exportEntry("e1", 4500)

	_, err := l.ExportOnce(ctx, "t1", entry, func(context.Context, model.JournalEntry) (string, error) {
		return "", eris.New("ledger api 503")
	})
	require.Error(t, err)

	// The idempotency record is gone, so a retry is a fresh attempt.
	_, err = st.GetExportRecord(ctx, "t1", entry.PayloadHash())
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err := l.ExportOnce(ctx, "t1", entry, func(context.Context, model.JournalEntry) (string, error) {
		return "doc-2", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-2", res.DocID)
	assert.False(t, res.IsDuplicate)
}

func TestExportOnce_DistinctContentExportsSeparately(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var calls int
	fn := func(context.Context, model.JournalEntry) (string, error) {
		calls++
		return fmt.Sprintf("doc-%d", calls), nil
	}

	first, err := l.ExportOnce(ctx, "t1", exportEntry("e1", 4500), fn)
	require.NoError(t, err)
	second, err := l.ExportOnce(ctx, "t1", exportEntry("e1", 1200), fn)
	require.NoError(t, err)

	assert.NotEqual(t, first.DocID, second.DocID)
	assert.Equal(t, 2, calls)
}

func TestExportOnce_DuplicateTimesOutOnStuckWinner(t *testing.T) {
	l, st := newTestLedger(t)
	l.finalizeWait = 50 * time.Millisecond
	ctx := context.Background()
	entry := exportEntry("e1", 4500)

	// Simulate a winner that created its record but never finalized.
	require.NoError(t, st.CreateExportRecord(ctx, "t1", entry.PayloadHash(), time.Now().UTC()))

	_, err := l.ExportOnce(ctx, "t1", entry, func(context.Context, model.JournalEntry) (string, error) {
		return "doc-1", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
