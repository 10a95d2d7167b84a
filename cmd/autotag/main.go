package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	_ "github.com/lib/pq"

	"github.com/liamcoop/autotag/autotag"
	"github.com/liamcoop/autotag/multitenant"
	"github.com/liamcoop/autotag/store"
)

// recordFile is the JSON shape of one transaction in a records file.
type recordFile struct {
	TransactionID string          `json:"transaction_id"`
	Transaction   transactionJSON `json:"transaction"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

type transactionJSON struct {
	ProductCode  string          `json:"product_code"`
	ProduceRate  decimal.Decimal `json:"produce_rate"`
	LedgerType   string          `json:"ledger_type"`
	Source       string          `json:"source"`
	Jurisdiction string          `json:"jurisdiction"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (t transactionJSON) toTransaction() autotag.Transaction {
	return autotag.Transaction{
		ProductCode:  t.ProductCode,
		ProduceRate:  t.ProduceRate,
		LedgerType:   t.LedgerType,
		Source:       t.Source,
		Jurisdiction: t.Jurisdiction,
		CreatedAt:    t.CreatedAt,
	}
}

func (r recordFile) toRecord(tenantID string) *autotag.Record {
	return &autotag.Record{
		TenantID:    tenantID,
		Transaction: r.Transaction.toTransaction(),
		Metadata:    r.Metadata,
	}
}

var (
	databaseURL string
	workers     int
	chunkSize   int
)

func openDB() (*sql.DB, error) {
	url := databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("database URL is required (--database or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func tenantManager(db *sql.DB, tenantID string) (*multitenant.Manager, error) {
	m := multitenant.NewManager(db, multitenant.WithBatchShape(workers, chunkSize))
	if err := m.CreateTenant(tenantID); err != nil {
		return nil, err
	}
	return m, nil
}

func writeOutput(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func newTagCmd() *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "tag <tenant-id>",
		Short: "Batch-tag transactions from a records file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]

			data, err := os.ReadFile(inputPath)
			if err != nil {
				return fmt.Errorf("failed to read records file: %w", err)
			}
			var records []recordFile
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("invalid records file: %w", err)
			}
			if len(records) == 0 {
				return fmt.Errorf("records file is empty")
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			manager, err := tenantManager(db, tenantID)
			if err != nil {
				return err
			}

			items := make([]multitenant.TaggedRecord, len(records))
			for i, rec := range records {
				if rec.TransactionID == "" {
					return fmt.Errorf("record %d has no transaction_id", i)
				}
				items[i] = multitenant.TaggedRecord{
					TransactionID: rec.TransactionID,
					Record:        rec.toRecord(tenantID),
				}
			}

			start := time.Now()
			result, err := manager.TagBatch(cmd.Context(), tenantID, items)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Tagged %d records in %s\n", len(items), time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(cmd.OutOrStdout(), "  matched:   %d\n", result.Summary.Matched)
			fmt.Fprintf(cmd.OutOrStdout(), "  unmatched: %d\n", result.Summary.Unmatched)
			fmt.Fprintf(cmd.OutOrStdout(), "  errored:   %d\n", result.Summary.Errored)
			fmt.Fprintf(cmd.OutOrStdout(), "  skipped:   %d\n", result.Summary.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Path to JSON records file (required)")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newTestRuleCmd() *cobra.Command {
	var rulePath string
	var recordPath string

	cmd := &cobra.Command{
		Use:   "test-rule",
		Short: "Dry-run one rule against one record, without a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleData, err := os.ReadFile(rulePath)
			if err != nil {
				return fmt.Errorf("failed to read rule file: %w", err)
			}
			var cr store.CatalogRule
			if err := json.Unmarshal(ruleData, &cr); err != nil {
				return fmt.Errorf("invalid rule file: %w", err)
			}

			recordData, err := os.ReadFile(recordPath)
			if err != nil {
				return fmt.Errorf("failed to read record file: %w", err)
			}
			var rec recordFile
			if err := json.Unmarshal(recordData, &rec); err != nil {
				return fmt.Errorf("invalid record file: %w", err)
			}

			const localTenant = "local"
			rule := &autotag.Rule{
				ID:       uuid.New().String(),
				TenantID: localTenant,
				Name:     cr.Name,
				Dialect:  cr.Dialect,
				Config:   cr.Config,
				Priority: cr.Priority,
				Active:   true,
			}
			if err := autotag.ValidateRule(rule); err != nil {
				return fmt.Errorf("rule failed validation: %w", err)
			}

			engine, err := autotag.NewEngine()
			if err != nil {
				return err
			}
			outcome, err := engine.Evaluate(context.Background(), rec.toRecord(localTenant), []*autotag.Rule{rule})
			if err != nil {
				return err
			}

			return writeOutput("", outcome)
		},
	}

	cmd.Flags().StringVar(&rulePath, "rule", "", "Path to JSON rule file (required)")
	cmd.Flags().StringVar(&recordPath, "record", "", "Path to JSON record file (required)")
	cmd.MarkFlagRequired("rule")
	cmd.MarkFlagRequired("record")
	return cmd
}

func newImportCmd() *cobra.Command {
	var filePath string

	cmd := &cobra.Command{
		Use:   "import <tenant-id>",
		Short: "Import a rule catalog from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]

			data, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("failed to read catalog file: %w", err)
			}

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := store.ImportCatalog(tenantID, store.NewPostgresRuleStore(db, tenantID), data)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules, updated %d\n", result.Imported, result.Updated)
			for _, e := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "  error: %s\n", e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d rules failed to import", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Path to JSON catalog file (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <tenant-id>",
		Short: "Export a tenant's rule catalog as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]

			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			catalog, err := store.ExportCatalog(tenantID, store.NewPostgresRuleStore(db, tenantID))
			if err != nil {
				return err
			}
			return writeOutput(outPath, catalog)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: stdout)")
	return cmd
}

func newSampleCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "sample <tenant-id>",
		Short: "Write an importable sample catalog covering every dialect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeOutput(outPath, store.SampleCatalog(args[0]))
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: stdout)")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "autotag",
		Short:        "Rule-based transaction auto-tagging",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "Database URL (or DATABASE_URL)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 8, "Batch worker count")
	rootCmd.PersistentFlags().IntVar(&chunkSize, "chunk-size", 100, "Batch chunk size")

	rootCmd.AddCommand(
		newTagCmd(),
		newTestRuleCmd(),
		newImportCmd(),
		newExportCmd(),
		newSampleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
