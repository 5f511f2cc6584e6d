package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	tenants   func() []string
}

// NewChecker creates a background alert checker. tenants lists the
// tenant ids to check each cycle.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, tenants func() []string) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		tenants:   tenants,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) {
	for _, tenantID := range c.tenants() {
		snap, err := c.collector.Collect(ctx, tenantID, c.cfg.LookbackWindowHours)
		if err != nil {
			log.Error("monitoring: failed to collect metrics",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}

		alerts := c.alerter.Evaluate(snap)
		if len(alerts) == 0 {
			continue
		}
		if err := c.alerter.Send(ctx, alerts); err != nil {
			log.Error("monitoring: failed to send alerts",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}
}
