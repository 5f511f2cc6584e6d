package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillbooks/quill/internal/monitoring"
)

var (
	statusTenant   string
	statusLookback int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show decisioning metrics and budget status for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Guard)
		snap, err := collector.Collect(ctx, statusTenant, statusLookback)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTenant, "tenant", "", "tenant id (required)")
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 24, "lookback window in hours")
	_ = statusCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(statusCmd)
}
