package calibrate

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/quillbooks/quill/internal/model"
)

// Sample is one labeled outcome used to fit a calibration model: the
// raw score a strategy produced and whether the proposed account
// matched the human-confirmed label.
type Sample struct {
	RawScore float64
	Correct  bool
	Vendor   string
}

// Fit trains an isotonic regression on samples via the pool-adjacent-
// violators algorithm and returns an immutable calibration model. The
// bins map raw-score floors to calibrated probabilities; lookups take
// the last bin whose floor does not exceed the raw score, so the
// mapping is monotone non-decreasing by construction.
func Fit(tenantID string, strategy model.Strategy, modelVersion string, samples []Sample, holdoutVendors []string) (*model.CalibrationModel, error) {
	if len(samples) == 0 {
		return nil, eris.New("calibrate: no samples to fit")
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RawScore < sorted[j].RawScore })

	// Pool-adjacent-violators: start with one block per sample, merge
	// neighbors whenever a later block's mean drops below an earlier
	// block's mean.
	type block struct {
		floor float64
		sum   float64
		n     int
	}
	blocks := make([]block, 0, len(sorted))
	for _, s := range sorted {
		v := 0.0
		if s.Correct {
			v = 1.0
		}
		blocks = append(blocks, block{floor: s.RawScore, sum: v, n: 1})
		for len(blocks) > 1 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if last.sum/float64(last.n) >= prev.sum/float64(prev.n) {
				break
			}
			merged := block{floor: prev.floor, sum: prev.sum + last.sum, n: prev.n + last.n}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	bins := make([]model.CalibrationBin, len(blocks))
	for i, b := range blocks {
		bins[i] = model.CalibrationBin{RawFloor: b.floor, P: b.sum / float64(b.n)}
	}

	training := vendorSet(sorted)
	return &model.CalibrationModel{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Strategy:        strategy,
		ModelVersion:    modelVersion,
		Bins:            bins,
		TrainingVendors: training,
		HoldoutVendors:  append([]string(nil), holdoutVendors...),
		FittedAt:        time.Now().UTC(),
	}, nil
}

func vendorSet(samples []Sample) []string {
	seen := make(map[string]struct{}, len(samples))
	out := make([]string, 0, len(samples))
	for _, s := range samples {
		if s.Vendor == "" {
			continue
		}
		if _, ok := seen[s.Vendor]; ok {
			continue
		}
		seen[s.Vendor] = struct{}{}
		out = append(out, s.Vendor)
	}
	sort.Strings(out)
	return out
}

// CheckLeakage returns an error if any training vendor appears in the
// holdout window. A model failing this check must not be activated.
func CheckLeakage(m *model.CalibrationModel) error {
	holdout := make(map[string]struct{}, len(m.HoldoutVendors))
	for _, v := range m.HoldoutVendors {
		holdout[v] = struct{}{}
	}
	for _, v := range m.TrainingVendors {
		if _, ok := holdout[v]; ok {
			return eris.Errorf("calibrate: training vendor %q present in holdout window", v)
		}
	}
	return nil
}
