package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quill/internal/budget"
	"github.com/quillbooks/quill/internal/config"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

func newTestCollector(t *testing.T, caps budget.Caps) (*Collector, store.Store, *budget.Guard) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	guard := budget.New(st, func(string) budget.Caps { return caps }, 1000, 1000)
	return NewCollector(st, guard), st, guard
}

func seedProposal(t *testing.T, st store.Store, id string, strategy model.Strategy, route model.Route, reason model.NotAutoPostReason, defaultCal bool) {
	t.Helper()
	detail := ""
	if defaultCal {
		detail = "calibration: default"
	}
	p := model.CategorizationProposal{
		ID: id, TenantID: "t1", TransactionID: "tx-" + id,
		Strategy:          strategy,
		Route:             route,
		NotAutoPostReason: reason,
		CreatedAt:         time.Now().UTC(),
	}
	if strategy != "" {
		p.Trace = []model.StageOutcome{
			{Strategy: strategy, Kind: model.StageHit, Account: "6000:Meals", Detail: detail},
		}
	}
	require.NoError(t, st.InsertProposal(context.Background(), p))
}

func TestCollector_RatesAndTallies(t *testing.T) {
	c, st, _ := newTestCollector(t, budget.Caps{TenantCapUSD: 1, GlobalCapUSD: 10, WindowDays: 30})

	seedProposal(t, st, "p1", model.StrategyRule, model.RouteAutoPost, "", false)
	seedProposal(t, st, "p2", model.StrategyRecall, model.RouteAutoPost, "", true)
	seedProposal(t, st, "p3", model.StrategyRecall, model.RouteNeedsReview, model.ReasonColdStart, false)
	seedProposal(t, st, "p4", "", model.RouteNeedsReview, model.ReasonImbalance, false)

	snap, err := c.Collect(context.Background(), "t1", 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.ProposalTotal)
	assert.Equal(t, 2, snap.AutoPosted)
	assert.Equal(t, 2, snap.NeedsReview)
	assert.InDelta(t, 0.75, snap.AutomationRate, 1e-9)
	assert.InDelta(t, 0.5, snap.AutoPostRate, 1e-9)
	assert.Equal(t, 1, snap.ReasonTallies["cold_start"])
	assert.Equal(t, 1, snap.ReasonTallies["imbalance"])
	assert.Equal(t, 1, snap.StrategyTallies["rule"])
	assert.Equal(t, 2, snap.StrategyTallies["recall"])
	assert.InDelta(t, 1.0/3.0, snap.CalibrationDefaultRate, 1e-9)
	require.NotNil(t, snap.Budget)
	assert.False(t, snap.Budget.Exhausted)
}

func TestCollector_EmptyTenant(t *testing.T) {
	c, _, _ := newTestCollector(t, budget.Caps{TenantCapUSD: 1, GlobalCapUSD: 10, WindowDays: 30})

	snap, err := c.Collect(context.Background(), "t1", 24)
	require.NoError(t, err)
	assert.Zero(t, snap.ProposalTotal)
	assert.Zero(t, snap.AutomationRate)
	assert.Zero(t, snap.CalibrationDefaultRate)
}

func alertCfg() config.MonitoringConfig {
	return config.MonitoringConfig{
		AutomationRateFloor:       0.5,
		CalibrationDefaultCeiling: 0.5,
		BudgetAlertRatio:          0.8,
	}
}

func TestAlerter_LowAutomationRate(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{TenantID: "t1", ProposalTotal: 20, AutomationRate: 0.3})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAutomationRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlerter_SmallSampleSuppressed(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{TenantID: "t1", ProposalTotal: 5, AutomationRate: 0.0})
	assert.Empty(t, alerts)
}

func TestAlerter_CalibrationDefaultCeiling(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{
		TenantID: "t1", ProposalTotal: 20,
		AutomationRate: 0.9, CalibrationDefaultRate: 0.8,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCalibrationDefault, alerts[0].Type)
}

func TestAlerter_BudgetNearCap(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{
		TenantID: "t1",
		Budget:   &budget.Status{TenantSpentUSD: 0.9, TenantCapUSD: 1.0, WindowDays: 30},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBudgetNearCap, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_BudgetExhaustedIsHighSeverity(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{
		TenantID: "t1",
		Budget:   &budget.Status{TenantSpentUSD: 1.0, TenantCapUSD: 1.0, WindowDays: 30, Exhausted: true},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlerter_HealthySnapshotNoAlerts(t *testing.T) {
	a := NewAlerter(alertCfg())

	alerts := a.Evaluate(&MetricsSnapshot{
		TenantID: "t1", ProposalTotal: 50,
		AutomationRate: 0.9, CalibrationDefaultRate: 0.1,
		Budget: &budget.Status{TenantSpentUSD: 0.1, TenantCapUSD: 1.0},
	})
	assert.Empty(t, alerts)
}

func TestAlerter_SendPostsWebhook(t *testing.T) {
	var received map[string][]Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := alertCfg()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	err := a.Send(context.Background(), []Alert{{Type: AlertAutomationRate, TenantID: "t1", Severity: "high"}})
	require.NoError(t, err)
	require.Len(t, received["alerts"], 1)
	assert.Equal(t, AlertAutomationRate, received["alerts"][0].Type)
}

func TestAlerter_SendWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := alertCfg()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	err := a.Send(context.Background(), []Alert{{Type: AlertBudgetNearCap}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusBadGateway))
}

func TestAlerter_SendNoWebhookConfigured(t *testing.T) {
	a := NewAlerter(alertCfg())
	assert.NoError(t, a.Send(context.Background(), []Alert{{Type: AlertAutomationRate}}))
	assert.NoError(t, a.Send(context.Background(), nil))
}
