package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAutomationRate     AlertType = "automation_rate"
	AlertCalibrationDefault AlertType = "calibration_default"
	AlertBudgetNearCap      AlertType = "budget_near_cap"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	TenantID  string         `json:"tenant_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Automation rate needs a minimum sample to be meaningful.
	if snap.ProposalTotal >= 10 && snap.AutomationRate < a.cfg.AutomationRateFloor {
		alerts = append(alerts, Alert{
			Type:     AlertAutomationRate,
			Severity: "high",
			TenantID: snap.TenantID,
			Message: fmt.Sprintf(
				"Automation rate %.1f%% below floor %.1f%% (%d proposals in last %dh)",
				snap.AutomationRate*100, a.cfg.AutomationRateFloor*100,
				snap.ProposalTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"automation_rate": snap.AutomationRate,
				"floor":           a.cfg.AutomationRateFloor,
				"reason_tallies":  snap.ReasonTallies,
			},
			Timestamp: now,
		})
	}

	if snap.ProposalTotal >= 10 && snap.CalibrationDefaultRate > a.cfg.CalibrationDefaultCeiling {
		alerts = append(alerts, Alert{
			Type:     AlertCalibrationDefault,
			Severity: "medium",
			TenantID: snap.TenantID,
			Message: fmt.Sprintf(
				"%.1f%% of decided proposals used the default calibration model; tenant needs a fitted model",
				snap.CalibrationDefaultRate*100,
			),
			Details: map[string]any{
				"calibration_default_rate": snap.CalibrationDefaultRate,
				"ceiling":                  a.cfg.CalibrationDefaultCeiling,
			},
			Timestamp: now,
		})
	}

	if snap.Budget != nil && snap.Budget.TenantCapUSD > 0 {
		ratio := snap.Budget.TenantSpentUSD / snap.Budget.TenantCapUSD
		if ratio >= a.cfg.BudgetAlertRatio {
			severity := "medium"
			if snap.Budget.Exhausted {
				severity = "high"
			}
			alerts = append(alerts, Alert{
				Type:     AlertBudgetNearCap,
				Severity: severity,
				TenantID: snap.TenantID,
				Message: fmt.Sprintf(
					"Rolling %d-day reasoning spend $%.2f at %.0f%% of $%.2f cap",
					snap.Budget.WindowDays, snap.Budget.TenantSpentUSD,
					ratio*100, snap.Budget.TenantCapUSD,
				),
				Details: map[string]any{
					"spent_usd": snap.Budget.TenantSpentUSD,
					"cap_usd":   snap.Budget.TenantCapUSD,
					"exhausted": snap.Budget.Exhausted,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Send delivers alerts to the configured webhook. With no webhook URL
// configured, alerts are logged and dropped.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("tenant_id", alert.TenantID),
				zap.String("severity", alert.Severity),
				zap.String("message", alert.Message),
			)
		}
		return nil
	}

	body, err := json.Marshal(map[string]any{"alerts": alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: send webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
