package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/correlate"
	"github.com/h1v3-io/triage/internal/identifier"
	"github.com/h1v3-io/triage/internal/scheduler"
	"github.com/h1v3-io/triage/internal/service"
	"github.com/h1v3-io/triage/internal/subject"
	"github.com/h1v3-io/triage/internal/ticket"
)

// Local commands run components in-process instead of calling the daemon.

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func stderrLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newIdentifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify <text...>",
		Short: "Show the customer identifiers found in a ticket text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			ids := identifier.Extract(text)
			w := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(w, "no identifier found")
				return nil
			}
			kinds := make([]string, 0, len(ids))
			for k := range ids {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(w, "%-10s %s\n", k, ids[identifier.Kind(k)])
			}
			if best, ok := identifier.SelectBest(ids); ok {
				fmt.Fprintf(w, "selected   %s=%s\n", best.Kind, best.Value)
			}
			return nil
		},
	}
}

func newCorrelateCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "correlate <text...>",
		Short: "Query the log store for a ticket text and print the related records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.LogStore.URL == "" {
				return fmt.Errorf("log_store.url is not configured")
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			resolver := service.NewCorrelator(cfg.LogStore, stderrLogger(verbose))
			res := resolver.Correlate(ctx, strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), correlate.Render(res))
			if res.Status == correlate.StatusError {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	return cmd
}

func newSubjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "Manage the activity catalogue used for subject analysis",
	}

	var batch int
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Embed and index activities from a JSON array or a code<TAB>description file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := subject.ParseEntries(f)
			if err != nil {
				return err
			}

			_, pcfg, ok := cfg.ProviderFor(cfg.Subjects.Provider)
			if !ok {
				return fmt.Errorf("no provider for subjects")
			}
			if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
				return err
			}
			idx, err := subject.OpenSQLiteIndex(cfg.Subjects.Path)
			if err != nil {
				return err
			}
			defer idx.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if batch <= 0 {
				batch = cfg.Subjects.BatchSize
			}
			n, err := subject.Import(ctx, idx, service.NewProvider(pcfg), entries, batch)
			if err != nil {
				return fmt.Errorf("imported %d of %d activities: %w", n, len(entries), err)
			}
			total, _ := idx.Count(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d activities (%d in index)\n", n, total)
			return nil
		},
	}
	importCmd.Flags().IntVar(&batch, "batch", 0, "Embedding batch size (default from config)")

	cmd.AddCommand(importCmd)
	return cmd
}

func newPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored runs older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if days <= 0 {
				days = cfg.Service.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("no retention window: pass --days or set service.retention_days")
			}
			store, err := ticket.NewSQLiteStore(cfg.Service.TicketDB)
			if err != nil {
				return err
			}
			defer store.Close()

			counter := &countingPruner{Pruner: store}
			job := scheduler.RetentionJob(counter, time.Duration(days)*24*time.Hour, stderrLogger(false))
			if err := job(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d runs older than %d days\n", counter.n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention window in days (default from config)")
	return cmd
}

type countingPruner struct {
	scheduler.Pruner
	n int
}

func (c *countingPruner) Prune(cutoff time.Time) (int, error) {
	n, err := c.Pruner.Prune(cutoff)
	c.n += n
	return n, err
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return fmt.Errorf("invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		},
	})
	return cmd
}
