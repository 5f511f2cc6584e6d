package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/store"
)

var (
	approveTenant  string
	approveTxID    string
	approveAccount string

	rejectTenant string
	rejectTxID   string

	queueTenant string
	queueLimit  int
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a reviewed proposal and post its entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.Approve(ctx, approveTenant, approveTxID, approveAccount); err != nil {
			return eris.Wrap(err, "approve")
		}
		zap.L().Info("proposal approved",
			zap.String("tenant_id", approveTenant),
			zap.String("transaction_id", approveTxID),
		)
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject a reviewed proposal, resetting the vendor's cold-start streak",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.Reject(ctx, rejectTenant, rejectTxID); err != nil {
			return eris.Wrap(err, "reject")
		}
		zap.L().Info("proposal rejected",
			zap.String("tenant_id", rejectTenant),
			zap.String("transaction_id", rejectTxID),
		)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List proposals awaiting review",
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

		proposals, err := st.ListProposals(ctx, queueTenant, store.ProposalFilter{
			Route: model.RouteNeedsReview,
			Limit: queueLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list proposals")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(proposals)
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveTenant, "tenant", "", "tenant id (required)")
	approveCmd.Flags().StringVar(&approveTxID, "tx", "", "transaction id (required)")
	approveCmd.Flags().StringVar(&approveAccount, "account", "", "override the proposed account")
	_ = approveCmd.MarkFlagRequired("tenant")
	_ = approveCmd.MarkFlagRequired("tx")
	rootCmd.AddCommand(approveCmd)

	rejectCmd.Flags().StringVar(&rejectTenant, "tenant", "", "tenant id (required)")
	rejectCmd.Flags().StringVar(&rejectTxID, "tx", "", "transaction id (required)")
	_ = rejectCmd.MarkFlagRequired("tenant")
	_ = rejectCmd.MarkFlagRequired("tx")
	rootCmd.AddCommand(rejectCmd)

	queueCmd.Flags().StringVar(&queueTenant, "tenant", "", "tenant id (required)")
	queueCmd.Flags().IntVar(&queueLimit, "limit", 100, "maximum proposals to list")
	_ = queueCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(queueCmd)
}
