package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/store"
)

var (
	decideTenant   string
	decideTxID     string
	decideFullEval bool

	batchTenant      string
	batchSince       string
	batchLimit       int
	batchConcurrency int
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Decide a single transaction and print the proposal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		proposal, err := env.Engine.Decide(ctx, decideTenant, decideTxID, decideFullEval)
		if err != nil {
			return eris.Wrap(err, "decide")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(proposal)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Decide a batch of transactions for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		filter := store.TxFilter{Limit: batchLimit}
		if batchSince != "" {
			from, err := time.Parse("2006-01-02", batchSince)
			if err != nil {
				return eris.Wrapf(err, "parse --since %q", batchSince)
			}
			filter.From = from
		}

		txs, err := env.Store.ListTransactions(ctx, batchTenant, filter)
		if err != nil {
			return eris.Wrap(err, "list transactions")
		}
		ids := make([]string, len(txs))
		for i, tx := range txs {
			ids[i] = tx.ID
		}

		decided, err := env.Engine.DecideBatch(ctx, batchTenant, ids, batchConcurrency)
		if err != nil {
			return eris.Wrap(err, "decide batch")
		}

		zap.L().Info("batch complete",
			zap.String("tenant_id", batchTenant),
			zap.Int("transactions", len(ids)),
			zap.Int("decided", decided),
		)
		return nil
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideTenant, "tenant", "", "tenant id (required)")
	decideCmd.Flags().StringVar(&decideTxID, "tx", "", "transaction id (required)")
	decideCmd.Flags().BoolVar(&decideFullEval, "full", false, "run every stage for a full rationale trace")
	_ = decideCmd.MarkFlagRequired("tenant")
	_ = decideCmd.MarkFlagRequired("tx")
	rootCmd.AddCommand(decideCmd)

	batchCmd.Flags().StringVar(&batchTenant, "tenant", "", "tenant id (required)")
	batchCmd.Flags().StringVar(&batchSince, "since", "", "only transactions on or after this date (YYYY-MM-DD)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 1000, "maximum transactions to decide")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 4, "concurrent decisioning workers")
	_ = batchCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(batchCmd)
}
