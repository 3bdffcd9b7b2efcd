// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Command retentionctl is the operator-facing compliance tool for the
// record store's durable artifacts: GDPR Article 17 deletion requests
// and per-application data exports. It talks to the same Postgres
// record store the gateway process uses; it never touches the KV
// store or the admission pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/retention"
	"github.com/policygate/gateway/internal/store"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "retentionctl",
		Short:   "PolicyGate data retention and compliance tool",
		Long:    `retentionctl manages retention policies, compliance exports, and right-to-be-forgotten deletion requests against the gateway's record store.`,
		Version: version,
	}

	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	backends := config.LoadBackendsFromEnv()
	return store.NewPostgresStore(backends.DatabaseURL)
}

func exportCmd() *cobra.Command {
	var anonymize bool
	cmd := &cobra.Command{
		Use:   "export <app-id>",
		Short: "Export every audit log and usage record on file for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			exporter := retention.NewExporter(retention.NewManager(), st)
			result, err := exporter.ExportAppData(context.Background(), args[0], anonymize)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().BoolVar(&anonymize, "anonymize", false, "redact emails, phone numbers, card numbers, SSNs, and key-shaped tokens in free-text content and user ids before export")
	return cmd
}

// deleteCmd logs a GDPR Article 17 deletion request and executes it in
// the same invocation: DeletionManager's log is process-lifetime (it is
// an operator-facing audit convenience, not the durable record — the
// record store itself is), so a request and its execution only need to
// share a log entry within one run.
func deleteCmd() *cobra.Command {
	var reason string
	var categoriesCSV string
	cmd := &cobra.Command{
		Use:   "delete <app-id>",
		Short: "Request and execute a right-to-be-forgotten deletion for an application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			dm := retention.NewDeletionManager(st)
			req := dm.RequestDeletion(args[0], parseCategories(categoriesCSV), reason)
			result, err := dm.ExecuteDeletion(context.Background(), req.RequestID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "deletion failed: %v\n", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the deletion request")
	cmd.Flags().StringVar(&categoriesCSV, "categories", "", "comma-separated data categories; empty means everything held")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Print the default retention policy for every data category",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := retention.NewManager()
			for category := range retention.DefaultPeriod {
				p := mgr.Policy(category)
				days := mgr.RetentionDays(category)
				fmt.Printf("%-18s period=%-10s days=%d\n", category, p.Period, days)
			}
			return nil
		},
	}
	return cmd
}

func parseCategories(csv string) []retention.DataCategory {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]retention.DataCategory, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, retention.DataCategory(p))
		}
	}
	return out
}
