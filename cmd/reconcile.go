package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/reconcile"
)

var (
	reconcileTenant string
	reconcileFrom   string
	reconcileTo     string
	reconcileAll    bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Match transactions against posted journal entries",
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

		from, to, err := reconcileWindow()
		if err != nil {
			return err
		}

		runner := reconcile.NewRunner(st, cfg.Reconcile.DateToleranceDays, cfg.Reconcile.MaxParallelTenants)

		if reconcileAll {
			byTenant, err := runner.RunAll(ctx, tenantIDs(), from, to)
			if err != nil {
				return err
			}
			for tenantID, results := range byTenant {
				zap.L().Info("reconciled",
					zap.String("tenant_id", tenantID),
					zap.Int("results", len(results)),
				)
			}
			return nil
		}

		results, err := runner.RunTenant(ctx, reconcileTenant, from, to)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

func reconcileWindow() (time.Time, time.Time, error) {
	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.AddDate(0, -1, 0)
	if reconcileFrom != "" {
		parsed, err := time.Parse("2006-01-02", reconcileFrom)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "parse --from %q", reconcileFrom)
		}
		from = parsed
	}
	if reconcileTo != "" {
		parsed, err := time.Parse("2006-01-02", reconcileTo)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "parse --to %q", reconcileTo)
		}
		to = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, eris.Errorf("reconcile window is empty: %s .. %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return from, to, nil
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileTenant, "tenant", "", "tenant id")
	reconcileCmd.Flags().StringVar(&reconcileFrom, "from", "", "window start (YYYY-MM-DD, default one month ago)")
	reconcileCmd.Flags().StringVar(&reconcileTo, "to", "", "window end (YYYY-MM-DD, default today)")
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "reconcile every configured tenant")
	reconcileCmd.MarkFlagsOneRequired("tenant", "all")
	rootCmd.AddCommand(reconcileCmd)
}
