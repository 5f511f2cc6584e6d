package main

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/model"
)

var importFile string

// importCmd loads normalized transactions from a JSON-lines file. Raw
// bank file parsing belongs to the ingestion service; this accepts its
// output format only.
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import normalized transactions from a JSON-lines file",
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

		f, err := os.Open(importFile)
		if err != nil {
			return eris.Wrapf(err, "open %s", importFile)
		}
		defer f.Close()

		var imported, skipped int
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var tx model.Transaction
			if err := json.Unmarshal(line, &tx); err != nil {
				return eris.Wrapf(err, "parse transaction at line %d", imported+skipped+1)
			}
			if tx.ID == "" || tx.TenantID == "" {
				return eris.Errorf("transaction at line %d missing id or tenant_id", imported+skipped+1)
			}
			if tx.Vendor == "" {
				tx.Vendor = tx.Description
			}
			if err := st.InsertTransaction(ctx, tx); err != nil {
				zap.L().Warn("skipping transaction",
					zap.String("transaction_id", tx.ID),
					zap.Error(err),
				)
				skipped++
				continue
			}
			imported++
		}
		if err := scanner.Err(); err != nil {
			return eris.Wrap(err, "read import file")
		}

		zap.L().Info("import complete",
			zap.Int("imported", imported),
			zap.Int("skipped", skipped),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "JSON-lines transaction file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
