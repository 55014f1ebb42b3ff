package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/bmksync/internal/bookmarks"
)

var version = "dev"

var (
	flagConfigPath  string
	flagDBPath      string
	flagMetricsAddr string
	flagVerbose     bool
)

// cliContextKey is the context key CLIContext is stored under.
type cliContextKey struct{}

// CLIContext bundles the opened store and logger, built once in
// PersistentPreRunE so RunE handlers never repeat store-construction
// boilerplate.
type CLIContext struct {
	Store  *bookmarks.Store
	Logger *slog.Logger
}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — PersistentPreRunE must run before RunE")
	}
	return cc
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "bmksync",
		Short:   "Operate the bookmark synchronization engine's merge pipeline",
		Version: version,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a TOML store config overlay")
	root.PersistentFlags().StringVar(&flagDBPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "address to serve /metrics on, e.g. :9090 (optional)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := buildLogger(flagVerbose)

		cfg, err := bookmarks.LoadStoreConfig(flagConfigPath)
		if err != nil {
			return fmt.Errorf("bmksync: %w", err)
		}
		if flagDBPath != "" {
			cfg.DatabasePath = flagDBPath
		}

		store, err := bookmarks.OpenStore(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("bmksync: opening store: %w", err)
		}

		if flagMetricsAddr != "" {
			serveMetrics(store, flagMetricsAddr, logger)
		}

		cc := &CLIContext{Store: store, Logger: logger}
		cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))
		return nil
	}

	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		cc := cliContextFrom(cmd.Context())
		if cc == nil {
			return nil
		}
		return cc.Store.Close()
	}

	root.AddCommand(
		newResetCmd(),
		newWipeCmd(),
		newStatsCmd(),
		newStageCmd(),
		newApplyCmd(),
		newFinalizeCmd(),
	)
	return root
}

func buildLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// serveMetrics starts a best-effort background HTTP server exposing the
// store's prometheus collectors. Errors are logged, not fatal, since
// metrics are an operational nicety, not part of the sync contract.
func serveMetrics(store *bookmarks.Store, addr string, logger *slog.Logger) {
	registry := newPrometheusRegistry(store)
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "err", err)
		}
	}()
}
