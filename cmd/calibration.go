package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/calibrate"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

var (
	calFitTenant      string
	calFitStrategy    string
	calFitHoldoutDays int
	calListTenant     string
)

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Manage calibration models",
}

var calibrationFitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit and activate a calibration model from confirmed labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		strategy := model.Strategy(calFitStrategy)
		switch strategy {
		case model.StrategyRule, model.StrategyRecall, model.StrategyFallback:
		default:
			return eris.Errorf("unknown strategy %q", calFitStrategy)
		}

		samples, holdout, err := collectSamples(cmd, env, calFitTenant, strategy, calFitHoldoutDays)
		if err != nil {
			return err
		}
		if len(samples) == 0 {
			return eris.Errorf("no training samples for tenant %s strategy %s", calFitTenant, strategy)
		}

		m, err := calibrate.Fit(calFitTenant, strategy, cfg.Decision.ModelVersion, samples, holdout)
		if err != nil {
			return err
		}
		if err := env.Calibrator.Activate(ctx, m); err != nil {
			return err
		}

		zap.L().Info("calibration model activated",
			zap.String("model_id", m.ID),
			zap.String("tenant_id", calFitTenant),
			zap.String("strategy", string(strategy)),
			zap.Int("samples", len(samples)),
			zap.Int("bins", len(m.Bins)),
			zap.Int("holdout_vendors", len(holdout)),
		)
		return nil
	},
}

// collectSamples joins historical proposals against the latest
// confirmed label per vendor. Vendors labeled inside the holdout
// window are excluded from training and become the holdout set.
func collectSamples(cmd *cobra.Command, env *env, tenantID string, strategy model.Strategy, holdoutDays int) ([]calibrate.Sample, []string, error) {
	ctx := cmd.Context()

	labels, err := env.Store.ListRecallLabels(ctx, tenantID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "list recall labels")
	}
	latest := make(map[string]store.RecallLabel, len(labels))
	for _, l := range labels {
		if cur, ok := latest[l.VendorKey]; !ok || l.LabeledAt.After(cur.LabeledAt) {
			latest[l.VendorKey] = l
		}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -holdoutDays)
	holdout := make(map[string]struct{})
	for key, l := range latest {
		if l.LabeledAt.After(cutoff) {
			holdout[key] = struct{}{}
		}
	}

	proposals, err := env.Store.ListProposals(ctx, tenantID, store.ProposalFilter{Limit: 10000})
	if err != nil {
		return nil, nil, eris.Wrap(err, "list proposals")
	}

	var samples []calibrate.Sample
	for _, p := range proposals {
		if p.Strategy != strategy {
			continue
		}
		tx, err := env.Store.GetTransaction(ctx, tenantID, p.TransactionID)
		if err != nil {
			continue
		}
		key := tx.VendorKey()
		label, ok := latest[key]
		if !ok {
			continue
		}
		if _, held := holdout[key]; held {
			continue
		}
		samples = append(samples, calibrate.Sample{
			RawScore: p.RawScore,
			Correct:  p.Account() == label.Account,
			Vendor:   key,
		})
	}

	holdoutList := make([]string, 0, len(holdout))
	for key := range holdout {
		holdoutList = append(holdoutList, key)
	}
	return samples, holdoutList, nil
}

var calibrationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List calibration models for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		models, err := st.ListCalibrationModels(ctx, calListTenant)
		if err != nil {
			return eris.Wrap(err, "list calibration models")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	},
}

var calibrationBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed global default calibration models",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		cal := calibrate.New(st)
		if err := cal.BootstrapDefaults(ctx, cfg.Decision.ModelVersion); err != nil {
			return err
		}
		zap.L().Info("global default calibration models in place",
			zap.String("model_version", cfg.Decision.ModelVersion),
		)
		return nil
	},
}

func init() {
	calibrationFitCmd.Flags().StringVar(&calFitTenant, "tenant", "", "tenant id (required)")
	calibrationFitCmd.Flags().StringVar(&calFitStrategy, "strategy", "recall", "strategy to calibrate (rule|recall|fallback)")
	calibrationFitCmd.Flags().IntVar(&calFitHoldoutDays, "holdout-days", 14, "exclude vendors labeled in the last N days from training")
	_ = calibrationFitCmd.MarkFlagRequired("tenant")

	calibrationListCmd.Flags().StringVar(&calListTenant, "tenant", "", "tenant id (required)")
	_ = calibrationListCmd.MarkFlagRequired("tenant")

	calibrationCmd.AddCommand(calibrationFitCmd, calibrationListCmd, calibrationBootstrapCmd)
	rootCmd.AddCommand(calibrationCmd)
}
