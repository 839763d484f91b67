// Package main: точка входа CLI trendradar.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maine/trend_radar/internal/config"
	"github.com/maine/trend_radar/internal/keywords"
	"github.com/maine/trend_radar/internal/logger"
	"github.com/maine/trend_radar/internal/news"
)

var version = "0.1.0"

// errNotCommitted: запуск завершился, но доставка не прошла политику фиксации.
var errNotCommitted = errors.New("run not committed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "trendradar",
		Short:        "Keyword radar over platform trending lists",
		Long:         "trendradar filters platform trending lists by keyword groups, tracks what is new and pushes reports to notification channels.",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("trendradar version {{.Version}}\n")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCheckRulesCmd())
	rootCmd.AddCommand(newPruneCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var configPath, mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one collect-filter-notify cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath, mode)
			if err != nil {
				return err
			}
			log := logger.New("trendradar", cfg.Log.Level, cfg.Log.Format)

			groups, err := keywords.LoadFile(cfg.Pipeline.RulesPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			env, err := build(ctx, cfg, groups, log)
			if err != nil {
				return err
			}
			defer env.Close()

			summary, err := env.pipeline.Run(ctx, news.RunMode(cfg.Pipeline.Mode))
			if err != nil {
				log.Error("run failed", "error", err)
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}
			if !summary.Committed {
				return fmt.Errorf("%w: %s", errNotCommitted, summary.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/pipeline.yaml", "Path to pipeline config")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Run mode: daily, current or incremental (overrides config)")
	return cmd
}

func newCheckRulesCmd() *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "check-rules",
		Short: "Validate the keyword rule file and print parsed groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := keywords.LoadFile(rulesPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, g := range groups {
				fmt.Fprintf(out, "#%d %s\n", g.Index+1, g.Name)
				fmt.Fprintf(out, "  keywords: %s\n", strings.Join(g.BaseKeywords, ", "))
				if len(g.RequiredTerms) > 0 {
					fmt.Fprintf(out, "  required: %s\n", strings.Join(g.RequiredTerms, ", "))
				}
				if len(g.ExcludedTerms) > 0 {
					fmt.Fprintf(out, "  excluded: %s\n", strings.Join(g.ExcludedTerms, ", "))
				}
				for _, kw := range g.BaseKeywords {
					if n, ok := g.Limit(kw); ok {
						fmt.Fprintf(out, "  limit: %s@%d\n", kw, n)
					}
				}
			}
			fmt.Fprintf(out, "%d group(s) OK\n", len(groups))
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "configs/frequency_words.txt", "Path to keyword rule file")
	return cmd
}

func newPruneCmd() *cobra.Command {
	var configPath string
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop old snapshots, keeping the newest N per platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRoot(configPath)
			if err != nil {
				return err
			}
			config.LoadDotEnv()
			config.ApplyEnv(&cfg, os.LookupEnv)
			if err := cfg.Storage.Validate(); err != nil {
				return err
			}
			if keep <= 0 {
				keep = cfg.Pipeline.RetentionRuns
			}
			if keep <= 0 {
				return fmt.Errorf("nothing to prune: pass --keep or set pipeline.retention_runs")
			}
			log := logger.New("trendradar", cfg.Log.Level, cfg.Log.Format)

			ctx := cmd.Context()
			store, closeStore, err := openStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()

			platforms, err := store.Platforms(ctx)
			if err != nil {
				return fmt.Errorf("list platforms: %w", err)
			}
			total := 0
			for _, platform := range platforms {
				n, err := store.Prune(ctx, platform, keep)
				if err != nil {
					return fmt.Errorf("prune %s: %w", platform, err)
				}
				log.Info("platform pruned", "platform", platform, "deleted", n, "keep", keep)
				total += n
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshot(s) across %d platform(s), keep=%d\n", total, len(platforms), keep)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/pipeline.yaml", "Path to pipeline config")
	cmd.Flags().IntVarP(&keep, "keep", "k", 0, "Snapshots to keep per platform (default: pipeline.retention_runs)")
	return cmd
}
