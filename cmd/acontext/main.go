// Package main provides the CLI entry point for the acontext engine.
//
// The engine ingests session messages, tracks tasks with a tool-calling
// agent, learns reusable skills from terminated tasks, and brokers
// sandboxed execution environments.
//
// # Basic Usage
//
// Start the engine:
//
//	acontext serve --config acontext.yaml
//
// Manage the database schema:
//
//	acontext migrate
//
// # Environment Variables
//
// Every config field can be provided via ACONTEXT_* environment
// variables; see internal/config for the full list. Commonly used:
//
//   - ACONTEXT_DATABASE_DSN: Postgres connection string
//   - ACONTEXT_REDIS_ADDR: Redis address for distributed locks
//   - ACONTEXT_AMQP_URL: RabbitMQ connection URL
//   - ACONTEXT_LLM_PROVIDER: "anthropic", "openai", or "mock"
//   - ACONTEXT_LLM_API_KEY: provider API key
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/acontexthq/acontext/internal/config"
	"github.com/acontexthq/acontext/internal/engine"
	"github.com/acontexthq/acontext/internal/observability"
	"github.com/acontexthq/acontext/internal/store"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "acontext",
		Short: "acontext - context and skill-learning engine",
		Long: `acontext turns raw session messages into tracked tasks and
reusable skills.

Pipelines: message ingest, task tracking, skill learning
Sandbox backends: Docker, Cloudflare Worker
LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that runs the engine until
// a termination signal arrives.
func buildServeCmd() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine consumers and the reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			reg := prometheus.NewRegistry()
			eng, err := engine.New(ctx, cfg, reg)
			if err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}
			defer eng.Close()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, reg)
			}

			if err := eng.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}

			<-ctx.Done()
			slog.Info("shutdown signal received")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint (e.g. :9090)")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "error", err)
	}
}

// buildMigrateCmd creates the "migrate" command that applies the
// idempotent schema statements.
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})
			st, err := store.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "acontext %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
