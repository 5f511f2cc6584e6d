package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Tiered transaction decisioning and reconciliation engine",
	Long:  "Categorizes bank transactions into double-entry journal entries via pattern rules, similarity recall, and an external reasoning fallback, gates auto-posting behind calibrated confidence, and reconciles posted entries.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
