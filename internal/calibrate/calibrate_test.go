package calibrate

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

func newTestCalibrator(t *testing.T) (*Calibrator, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st), st
}

func TestFit_MonotoneBins(t *testing.T) {
	samples := []Sample{
		{RawScore: 0.1, Correct: false, Vendor: "a"},
		{RawScore: 0.2, Correct: false, Vendor: "b"},
		{RawScore: 0.4, Correct: true, Vendor: "c"},
		{RawScore: 0.5, Correct: false, Vendor: "d"},
		{RawScore: 0.7, Correct: true, Vendor: "e"},
		{RawScore: 0.9, Correct: true, Vendor: "f"},
	}
	m, err := Fit("t1", model.StrategyRecall, "v1", samples, nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.Bins)

	for i := 1; i < len(m.Bins); i++ {
		assert.GreaterOrEqual(t, m.Bins[i].P, m.Bins[i-1].P, "bin %d", i)
		assert.Greater(t, m.Bins[i].RawFloor, m.Bins[i-1].RawFloor, "bin %d", i)
	}
}

func TestFit_PoolsViolators(t *testing.T) {
	// A perfect high score followed by a failing higher score must be
	// pooled rather than produce a decreasing mapping.
	samples := []Sample{
		{RawScore: 0.8, Correct: true},
		{RawScore: 0.9, Correct: false},
	}
	m, err := Fit("t1", model.StrategyRecall, "v1", samples, nil)
	require.NoError(t, err)
	require.Len(t, m.Bins, 1)
	assert.InDelta(t, 0.5, m.Bins[0].P, 1e-9)
	assert.InDelta(t, 0.8, m.Bins[0].RawFloor, 1e-9)
}

func TestFit_EmptySamples(t *testing.T) {
	_, err := Fit("t1", model.StrategyRecall, "v1", nil, nil)
	assert.Error(t, err)
}

func TestFit_MonotonicityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	samples := make([]Sample, 200)
	for i := range samples {
		raw := rng.Float64()
		samples[i] = Sample{RawScore: raw, Correct: rng.Float64() < raw}
	}
	m, err := Fit("t1", model.StrategyFallback, "v1", samples, nil)
	require.NoError(t, err)

	// Applying the fitted model must never invert the score ordering.
	for i := 0; i < 500; i++ {
		a, b := rng.Float64(), rng.Float64()
		if a > b {
			a, b = b, a
		}
		assert.LessOrEqual(t, apply(m, a), apply(m, b))
	}
}

func TestCheckLeakage(t *testing.T) {
	clean := &model.CalibrationModel{
		TrainingVendors: []string{"a", "b"},
		HoldoutVendors:  []string{"c"},
	}
	assert.NoError(t, CheckLeakage(clean))

	leaky := &model.CalibrationModel{
		TrainingVendors: []string{"a", "b"},
		HoldoutVendors:  []string{"b", "c"},
	}
	err := CheckLeakage(leaky)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)
}

func TestCalibrator_ActivateRejectsLeakage(t *testing.T) {
	c, _ := newTestCalibrator(t)

	m := &model.CalibrationModel{
		ID: "m-leak", TenantID: "t1", Strategy: model.StrategyRecall, ModelVersion: "v1",
		Bins:            []model.CalibrationBin{{RawFloor: 0, P: 0.5}},
		TrainingVendors: []string{"shared"},
		HoldoutVendors:  []string{"shared"},
	}
	err := c.Activate(context.Background(), m)
	require.Error(t, err)

	// Nothing was persisted.
	_, err = c.Calibrate(context.Background(), 0.5, model.StrategyRecall, "t1", "v1")
	assert.Error(t, err)
}

func TestCalibrator_TenantModelPrecedes(t *testing.T) {
	c, _ := newTestCalibrator(t)
	ctx := context.Background()

	require.NoError(t, c.BootstrapDefaults(ctx, "v1"))

	tenant := &model.CalibrationModel{
		ID: "m-t1", TenantID: "t1", Strategy: model.StrategyRecall, ModelVersion: "v1",
		Bins: []model.CalibrationBin{{RawFloor: 0, P: 0.25}},
	}
	require.NoError(t, c.Activate(ctx, tenant))

	res, err := c.Calibrate(ctx, 0.9, model.StrategyRecall, "t1", "v1")
	require.NoError(t, err)
	assert.False(t, res.UsedDefault)
	assert.Equal(t, "m-t1", res.CalibrationID)
	assert.InDelta(t, 0.25, res.P, 1e-9)
}

func TestCalibrator_GlobalDefaultFlagged(t *testing.T) {
	c, _ := newTestCalibrator(t)
	ctx := context.Background()

	require.NoError(t, c.BootstrapDefaults(ctx, "v1"))

	res, err := c.Calibrate(ctx, 0.8, model.StrategyRecall, "tenant-without-model", "v1")
	require.NoError(t, err)
	assert.True(t, res.UsedDefault)
	assert.InDelta(t, 0.8, res.P, 1e-9)
}

func TestCalibrator_MissingModelNoDefault(t *testing.T) {
	c, _ := newTestCalibrator(t)

	_, err := c.Calibrate(context.Background(), 0.8, model.StrategyRecall, "t1", "v1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no global default")
}

func TestCalibrator_Preflight(t *testing.T) {
	c, _ := newTestCalibrator(t)
	ctx := context.Background()

	assert.Error(t, c.Preflight(ctx, "v1"))

	require.NoError(t, c.BootstrapDefaults(ctx, "v1"))
	assert.NoError(t, c.Preflight(ctx, "v1"))
}

func TestCalibrator_ActivationInvalidatesCache(t *testing.T) {
	c, _ := newTestCalibrator(t)
	ctx := context.Background()

	first := &model.CalibrationModel{
		ID: "m1", TenantID: "t1", Strategy: model.StrategyRecall, ModelVersion: "v1",
		Bins: []model.CalibrationBin{{RawFloor: 0, P: 0.3}},
	}
	require.NoError(t, c.Activate(ctx, first))

	res, err := c.Calibrate(ctx, 0.5, model.StrategyRecall, "t1", "v1")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, res.P, 1e-9)

	second := &model.CalibrationModel{
		ID: "m2", TenantID: "t1", Strategy: model.StrategyRecall, ModelVersion: "v1",
		Bins: []model.CalibrationBin{{RawFloor: 0, P: 0.6}},
	}
	require.NoError(t, c.Activate(ctx, second))

	res, err = c.Calibrate(ctx, 0.5, model.StrategyRecall, "t1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "m2", res.CalibrationID)
	assert.InDelta(t, 0.6, res.P, 1e-9)
}

func TestApply_ClampsAndBins(t *testing.T) {
	m := &model.CalibrationModel{Bins: []model.CalibrationBin{
		{RawFloor: 0.2, P: 0.1},
		{RawFloor: 0.6, P: 0.7},
	}}

	assert.InDelta(t, 0.1, apply(m, 0.0), 1e-9)  // below first floor
	assert.InDelta(t, 0.1, apply(m, 0.5), 1e-9)  // inside first bin
	assert.InDelta(t, 0.7, apply(m, 0.6), 1e-9)  // exact floor
	assert.InDelta(t, 0.7, apply(m, 5.0), 1e-9)  // clamped above 1
	assert.InDelta(t, 0.1, apply(m, -3.0), 1e-9) // clamped below 0
}
