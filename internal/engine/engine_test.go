package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quill/internal/budget"
	"github.com/quillbooks/quill/internal/calibrate"
	"github.com/quillbooks/quill/internal/config"
	"github.com/quillbooks/quill/internal/decision"
	"github.com/quillbooks/quill/internal/events"
	"github.com/quillbooks/quill/internal/export"
	"github.com/quillbooks/quill/internal/fallback"
	"github.com/quillbooks/quill/internal/gate"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/recall"
	"github.com/quillbooks/quill/internal/rules"
	"github.com/quillbooks/quill/internal/store"
	"github.com/quillbooks/quill/pkg/reasoner"
)

type memPublisher struct {
	mu     sync.Mutex
	events []events.EntryPosted
}

func (m *memPublisher) Publish(_ context.Context, e events.EntryPosted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memPublisher) Close() error { return nil }

func (m *memPublisher) posted() []events.EntryPosted {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.EntryPosted(nil), m.events...)
}

type engineChart struct{}

func (engineChart) Accounts(context.Context, string) ([]reasoner.AccountOption, error) {
	return []reasoner.AccountOption{
		{ID: "6000:Meals", Name: "Meals"},
		{ID: "6100:Software", Name: "Software"},
	}, nil
}

type engineReasoner struct{ proposal *reasoner.Proposal }

func (r *engineReasoner) ProposeAccount(context.Context, reasoner.Request) (*reasoner.Proposal, error) {
	return r.proposal, nil
}

type keyEmbedder struct{}

func (keyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r)
	}
	return vec, nil
}

type harness struct {
	engine    *Engine
	store     store.Store
	publisher *memPublisher
	exports   *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	cfg := &config.Config{
		Decision: config.DecisionConfig{
			AutoPostThreshold: 0.9,
			ColdStartMinimum:  3,
			SimilarityFloor:   0.95,
			RecallK:           5,
			FundingAccount:    "1000:Bank",
			ModelVersion:      "v1",
		},
		Budget: config.BudgetConfig{
			TenantCapUSD: 25, GlobalCapUSD: 500, WindowDays: 30,
		},
	}

	cal := calibrate.New(st)
	require.NoError(t, cal.BootstrapDefaults(ctx, "v1"))

	matcher, err := rules.Compile(rules.RuleSet{
		Version: "r1",
		Tenants: map[string][]rules.Rule{
			"t1": {{ID: "r-coffee", Pattern: `STARBUCKS`, Account: "6000:Meals", Priority: 10}},
		},
	}, 0.99)
	require.NoError(t, err)

	rec := recall.New(st, keyEmbedder{}, 0.95)
	guard := budget.New(st, func(string) budget.Caps {
		return budget.Caps{TenantCapUSD: 25, GlobalCapUSD: 500, WindowDays: 30}
	}, 1000, 1000)
	fb := fallback.New(&engineReasoner{proposal: &reasoner.Proposal{
		Account: "6100:Software", Confidence: 0.95, Rationale: "subscription",
	}}, guard, time.Second, 0.02)

	blender := decision.New(matcher, rec, fb, cal, engineChart{}, cfg.TenantSettings)
	g := gate.New(st, cfg.TenantSettings)

	var exports atomic.Int32
	exportFn := func(_ context.Context, entry model.JournalEntry) (string, error) {
		return fmt.Sprintf("doc-%d", exports.Add(1)), nil
	}

	pub := &memPublisher{}
	eng := New(cfg, st, blender, g, export.New(st), rec, exportFn, pub)
	return &harness{engine: eng, store: st, publisher: pub, exports: &exports}
}

func (h *harness) seedTx(t *testing.T, id, vendor string, amount int64) {
	t.Helper()
	require.NoError(t, h.store.InsertTransaction(context.Background(), model.Transaction{
		ID: id, TenantID: "t1",
		Date:        time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		AmountCents: amount, Currency: "USD",
		Description: vendor, Vendor: vendor,
	}))
}

func TestEngine_DecideRuleMatchAutoPosts(t *testing.T) {
	h := newHarness(t)
	h.seedTx(t, "tx1", "STARBUCKS #4521", -450)
	ctx := context.Background()

	p, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)

	// Rule strategy is cold-start exempt and above threshold.
	assert.Equal(t, model.RouteAutoPost, p.Route)
	assert.Equal(t, model.StrategyRule, p.Strategy)

	stored, err := h.store.LatestProposal(ctx, "t1", "tx1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)

	entries, err := h.store.ListJournalEntries(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(1), h.exports.Load())

	posted := h.publisher.posted()
	require.Len(t, posted, 1)
	assert.True(t, posted[0].AutoPosted)
	assert.Equal(t, "doc-1", posted[0].ExternalDocID)
}

func TestEngine_DecideUnknownVendorRoutesToReview(t *testing.T) {
	h := newHarness(t)
	h.seedTx(t, "tx1", "NEW VENDOR LLC", -1200)
	ctx := context.Background()

	p, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)

	// Fallback decided, but the vendor has no label history.
	assert.Equal(t, model.StrategyFallback, p.Strategy)
	assert.Equal(t, model.RouteNeedsReview, p.Route)
	assert.Equal(t, model.ReasonColdStart, p.NotAutoPostReason)
	assert.Zero(t, h.exports.Load())
	assert.Empty(t, h.publisher.posted())
}

func TestEngine_DecideMissingTransaction(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Decide(context.Background(), "t1", "absent", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ApproveBuildsLabelHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Three approvals for the same account walk the vendor out of cold
	// start; the fourth decision auto-posts.
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("tx%d", i)
		h.seedTx(t, id, "NEW VENDOR LLC", -1200)

		p, err := h.engine.Decide(ctx, "t1", id, false)
		require.NoError(t, err)
		require.Equal(t, model.RouteNeedsReview, p.Route)

		require.NoError(t, h.engine.Approve(ctx, "t1", id, "6100:Software"))

		rec, err := h.store.GetColdStart(ctx, "t1", "NEW VENDOR LLC")
		require.NoError(t, err)
		assert.Equal(t, i, rec.ConsistentLabelCount)
		assert.Equal(t, "6100:Software", rec.LastLabel)
	}

	h.seedTx(t, "tx4", "NEW VENDOR LLC", -1200)
	p, err := h.engine.Decide(ctx, "t1", "tx4", false)
	require.NoError(t, err)
	assert.Equal(t, model.RouteAutoPost, p.Route)
	assert.Equal(t, model.StrategyRecall, p.Strategy)
}

func TestEngine_ApproveWithOverrideRebuildsEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTx(t, "tx1", "NEW VENDOR LLC", -1200)

	_, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)

	// Reviewer disagrees with the proposed 6100:Software.
	require.NoError(t, h.engine.Approve(ctx, "t1", "tx1", "6000:Meals"))

	entries, err := h.store.ListJournalEntries(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "6000:Meals", entries[0].Legs[0].Account)
	assert.True(t, entries[0].Balanced())

	posted := h.publisher.posted()
	require.Len(t, posted, 1)
	assert.False(t, posted[0].AutoPosted)
}

func TestEngine_ApproveDifferentAccountResetsStreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedTx(t, "tx1", "NEW VENDOR LLC", -1200)
	_, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)
	require.NoError(t, h.engine.Approve(ctx, "t1", "tx1", "6100:Software"))

	h.seedTx(t, "tx2", "NEW VENDOR LLC", -900)
	_, err = h.engine.Decide(ctx, "t1", "tx2", false)
	require.NoError(t, err)
	require.NoError(t, h.engine.Approve(ctx, "t1", "tx2", "6000:Meals"))

	rec, err := h.store.GetColdStart(ctx, "t1", "NEW VENDOR LLC")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ConsistentLabelCount)
	assert.Equal(t, "6000:Meals", rec.LastLabel)
}

func TestEngine_RejectResetsStreak(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedTx(t, "tx1", "NEW VENDOR LLC", -1200)
	_, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)
	require.NoError(t, h.engine.Approve(ctx, "t1", "tx1", "6100:Software"))

	require.NoError(t, h.engine.Reject(ctx, "t1", "tx1"))

	rec, err := h.store.GetColdStart(ctx, "t1", "NEW VENDOR LLC")
	require.NoError(t, err)
	assert.Zero(t, rec.ConsistentLabelCount)
}

func TestEngine_DecideBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("tx%d", i)
		h.seedTx(t, ids[i], "STARBUCKS #4521", -450)
	}
	// One id that does not exist; the batch keeps going.
	ids = append(ids, "tx-absent")

	decided, err := h.engine.DecideBatch(ctx, "t1", ids, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, decided)
}

func TestEngine_RepeatedApproveExportsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTx(t, "tx1", "NEW VENDOR LLC", -1200)

	_, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)

	require.NoError(t, h.engine.Approve(ctx, "t1", "tx1", ""))
	require.NoError(t, h.engine.Approve(ctx, "t1", "tx1", ""))

	// The second approval is a duplicate at the export layer.
	assert.Equal(t, int32(1), h.exports.Load())
}

func TestEngine_RepeatedDecideReusesJournalEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTx(t, "tx1", "STARBUCKS #4521", -450)

	first, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)
	require.Equal(t, model.RouteAutoPost, first.Route)

	// A retried decision mints a fresh entry id for the same payload.
	second, err := h.engine.Decide(ctx, "t1", "tx1", false)
	require.NoError(t, err)
	require.Equal(t, model.RouteAutoPost, second.Route)

	entries, err := h.store.ListJournalEntries(ctx, "t1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int32(1), h.exports.Load())

	posted := h.publisher.posted()
	require.Len(t, posted, 2)
	assert.Equal(t, posted[0].JournalEntryID, posted[1].JournalEntryID)
	assert.Equal(t, posted[0].ExternalDocID, posted[1].ExternalDocID)
}
