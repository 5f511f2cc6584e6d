package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/rules"
)

var (
	rulesMatchTenant string
	rulesMatchText   string

	rulesListTenant string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the pattern rule set",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile the rule file and report errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := rules.Load(cfg.Rules.Path, cfg.Rules.RuleConfidence)
		if err != nil {
			return err
		}
		zap.L().Info("rule set is valid",
			zap.String("path", cfg.Rules.Path),
			zap.String("version", m.Version()),
		)
		return nil
	},
}

var rulesMatchCmd = &cobra.Command{
	Use:   "match",
	Short: "Dry-run the matcher against a vendor string",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := rules.Load(cfg.Rules.Path, cfg.Rules.RuleConfidence)
		if err != nil {
			return err
		}

		hit := m.Match(rulesMatchText, rulesMatchTenant)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if hit == nil {
			return enc.Encode(map[string]any{"matched": false})
		}
		return enc.Encode(map[string]any{"matched": true, "hit": hit})
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the effective rules for a tenant in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := rules.Load(cfg.Rules.Path, cfg.Rules.RuleConfidence)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m.TenantRules(rulesListTenant))
	},
}

func init() {
	rulesMatchCmd.Flags().StringVar(&rulesMatchTenant, "tenant", "", "tenant id (required)")
	rulesMatchCmd.Flags().StringVar(&rulesMatchText, "vendor", "", "vendor text to match (required)")
	_ = rulesMatchCmd.MarkFlagRequired("tenant")
	_ = rulesMatchCmd.MarkFlagRequired("vendor")

	rulesListCmd.Flags().StringVar(&rulesListTenant, "tenant", "", "tenant id (required)")
	_ = rulesListCmd.MarkFlagRequired("tenant")

	rulesCmd.AddCommand(rulesValidateCmd, rulesMatchCmd, rulesListCmd)
	rootCmd.AddCommand(rulesCmd)
}
