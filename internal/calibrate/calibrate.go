// Package calibrate maps raw strategy confidences onto calibrated
// probabilities using versioned isotonic models fitted offline.
package calibrate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

// Result is one calibration lookup.
type Result struct {
	P             float64
	CalibrationID string

	// UsedDefault is true when no tenant-specific model existed and
	// the global default model served the lookup.
	UsedDefault bool
}

type cacheKey struct {
	tenantID     string
	strategy     model.Strategy
	modelVersion string
}

// Calibrator serves calibrated probabilities from active models. Models
// are immutable snapshots; the calibrator caches them per (tenant,
// strategy, version) and invalidates on activation.
type Calibrator struct {
	backing store.Store

	mu    sync.RWMutex
	cache map[cacheKey]*model.CalibrationModel
}

func New(backing store.Store) *Calibrator {
	return &Calibrator{
		backing: backing,
		cache:   make(map[cacheKey]*model.CalibrationModel),
	}
}

// Preflight verifies a global default model is active for every
// strategy under the given model version. A missing global default is
// a configuration error surfaced at startup, never per-transaction.
func (c *Calibrator) Preflight(ctx context.Context, modelVersion string) error {
	for _, s := range []model.Strategy{model.StrategyRule, model.StrategyRecall, model.StrategyFallback} {
		if _, err := c.lookup(ctx, model.GlobalTenant, s, modelVersion); err != nil {
			return eris.Wrapf(err, "calibrate: no global default model for strategy %s version %s", s, modelVersion)
		}
	}
	return nil
}

// Calibrate maps raw onto a calibrated probability. Tenant-specific
// models take precedence; the global default serves otherwise and is
// flagged in the result.
func (c *Calibrator) Calibrate(ctx context.Context, raw float64, strategy model.Strategy, tenantID, modelVersion string) (Result, error) {
	m, err := c.lookup(ctx, tenantID, strategy, modelVersion)
	usedDefault := false
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, eris.Wrap(err, "calibrate: load tenant model")
		}
		m, err = c.lookup(ctx, model.GlobalTenant, strategy, modelVersion)
		if err != nil {
			return Result{}, eris.Wrapf(err, "calibrate: no model for tenant %s strategy %s and no global default", tenantID, strategy)
		}
		usedDefault = tenantID != model.GlobalTenant
	}
	return Result{P: apply(m, raw), CalibrationID: m.ID, UsedDefault: usedDefault}, nil
}

// Activate runs the leakage check and, on success, persists and
// activates the model, invalidating any cached snapshot for its key.
func (c *Calibrator) Activate(ctx context.Context, m *model.CalibrationModel) error {
	if err := CheckLeakage(m); err != nil {
		return err
	}
	if err := c.backing.InsertCalibrationModel(ctx, *m); err != nil {
		return eris.Wrap(err, "calibrate: insert model")
	}
	if err := c.backing.ActivateCalibrationModel(ctx, m.ID, time.Now().UTC()); err != nil {
		return eris.Wrap(err, "calibrate: activate model")
	}
	c.mu.Lock()
	delete(c.cache, cacheKey{m.TenantID, m.Strategy, m.ModelVersion})
	c.mu.Unlock()
	return nil
}

func (c *Calibrator) lookup(ctx context.Context, tenantID string, strategy model.Strategy, modelVersion string) (*model.CalibrationModel, error) {
	key := cacheKey{tenantID, strategy, modelVersion}

	c.mu.RLock()
	m, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := c.backing.ActiveCalibrationModel(ctx, tenantID, strategy, modelVersion)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = m
	c.mu.Unlock()
	return m, nil
}

func apply(m *model.CalibrationModel, raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	bins := m.Bins
	if len(bins) == 0 {
		return raw
	}
	// Last bin whose floor does not exceed raw; scores below the first
	// floor take the first bin.
	idx := sort.Search(len(bins), func(i int) bool { return bins[i].RawFloor > raw })
	if idx == 0 {
		return bins[0].P
	}
	return bins[idx-1].P
}

// BootstrapDefaults seeds and activates identity global default models
// for every strategy under modelVersion, skipping strategies that
// already carry an active global model. Intended for first-run setup.
func (c *Calibrator) BootstrapDefaults(ctx context.Context, modelVersion string) error {
	for _, s := range []model.Strategy{model.StrategyRule, model.StrategyRecall, model.StrategyFallback} {
		_, err := c.backing.ActiveCalibrationModel(ctx, model.GlobalTenant, s, modelVersion)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return eris.Wrap(err, "calibrate: check global model")
		}
		m := identityModel(s, modelVersion)
		if err := c.Activate(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// identityModel is a piecewise approximation of calibrated_p == raw,
// used only as the seed global default before real fits exist.
func identityModel(strategy model.Strategy, modelVersion string) *model.CalibrationModel {
	const steps = 20
	bins := make([]model.CalibrationBin, 0, steps+1)
	for i := 0; i <= steps; i++ {
		v := float64(i) / steps
		bins = append(bins, model.CalibrationBin{RawFloor: v, P: v})
	}
	return &model.CalibrationModel{
		ID:           "default-" + string(strategy) + "-" + modelVersion,
		TenantID:     model.GlobalTenant,
		Strategy:     strategy,
		ModelVersion: modelVersion,
		Bins:         bins,
		FittedAt:     time.Now().UTC(),
	}
}
