package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hal-o-swarm/sessionsync/internal/usage"
)

func newFingerprintCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint of the pricing configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			cfg, fp, err := opts.loadPricing()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, map[string]any{
					"fingerprint": fp,
					"models":      len(cfg.Models),
					"mappings":    len(cfg.Mapping),
				})
			}
			fmt.Fprintf(out, "%s\t%d models\t%d mappings\n", fp, len(cfg.Models), len(cfg.Mapping))
			return nil
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions with stored usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			ids, err := db.SessionIDs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	var reprice bool
	cmd := &cobra.Command{
		Use:   "usage <session-id>",
		Short: "Show the stored usage snapshot of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := db.LoadUsage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no stored usage for %q", args[0])
			}

			ledger := usage.NewLedger(zap.NewNop())
			if reprice {
				cfg, fp, err := opts.loadPricing()
				if err != nil {
					return err
				}
				ledger.Reprice(cfg, fp)
			}
			ledger.SetPersisted(*snap)
			summary := ledger.View()

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, summary)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tINPUT\tCACHED\tOUTPUT\tREASONING\tCOST")
			keys := make([]string, 0, len(summary.ByModel))
			for k := range summary.ByModel {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				writeUsageRow(w, k, summary.ByModel[k])
			}
			writeUsageRow(w, "TOTAL", summary.Total)
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "through sequence %d, fingerprint %s\n", snap.ThroughSequence, summary.Fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reprice, "reprice", false, "reprice with the current pricing file")
	return cmd
}

func writeUsageRow(w *tabwriter.Writer, name string, rec usage.Record) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t$%.4f\n",
		name,
		rec.Tokens.InputTokens,
		rec.Tokens.CachedInputTokens,
		rec.Tokens.OutputTokens,
		rec.Tokens.ReasoningTokens,
		rec.Costs.Total(),
	)
}

func newBreakdownCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "breakdown <session-id>",
		Short: "Show the stored consumer breakdown of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			store, err := opts.openBreakdowns(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := store.LoadBreakdown(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("no stored breakdown for %q", args[0])
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, b)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CONSUMER\tTOKENS\tSHARE")
			for _, c := range b.Consumers {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", c.Name, c.Tokens, c.Percentage)
			}
			fmt.Fprintf(w, "TOTAL\t%d\t\n", b.TotalTokens)
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "status %s, model %s, %d messages through sequence %d\n",
				b.Status, b.Key.Model, b.Key.MessageCount, b.Key.MaxHistorySequence)
			return nil
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete stored breakdowns computed under another pricing fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			_, fp, err := opts.loadPricing()
			if err != nil {
				return err
			}
			db, err := opts.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.PruneBreakdowns(cmd.Context(), fp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d breakdowns\n", n)
			return nil
		},
	}
}
