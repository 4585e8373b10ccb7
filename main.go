package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/breez/feedback-ledger/config"
	"github.com/breez/feedback-ledger/ledger"
	"github.com/breez/feedback-ledger/remote"
	"github.com/breez/feedback-ledger/store"
	"github.com/breez/feedback-ledger/store/jsonfile"
	"github.com/breez/feedback-ledger/store/postgres"
	"github.com/breez/feedback-ledger/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

var (
	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "feedback-ledger",
	Short: "Change tracking proxy for the Productboard notes API",
	Long: `feedback-ledger proxies note operations to the Productboard API and
records every successful mutation in a local ledger, so that any recorded
change can later be rolled back by issuing its inverse call.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		if cfg, err = config.NewConfig(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
		slog.SetDefault(logger)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.ListenAddress = listen
		}
		if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
			cfg.LedgerBackend = backend
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on, overrides LISTEN_ADDRESS")
	serveCmd.Flags().String("backend", "", "ledger backend (json, sqlite or postgres), overrides LEDGER_BACKEND")
	rootCmd.AddCommand(serveCmd, changesCmd, rollbackCmd, notesCmd)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	l := ledger.New(storage, ledger.WithLogger(logger), ledger.WithMetrics(ledger.NewMetrics(registry)))
	l.Load(ctx)

	server := NewFeedbackServer(l, newRemoteClient(cfg, logger), logger)
	httpServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: server.Router(RouterOptions{
			Registry:       registry,
			StaticDir:      cfg.StaticDir,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			APIKey:         cfg.ProxyAPIKey,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("server listening", "address", listener.Addr().String(), "backend", cfg.LedgerBackend)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if err := l.Flush(shutdownCtx); err != nil {
		logger.Error("failed to flush local changes", "err", err)
		return err
	}
	logger.Info("local changes flushed", "count", l.Len())
	return nil
}

func newRemoteClient(cfg *config.Config, logger *slog.Logger) *remote.Client {
	if cfg.APIToken == "" {
		logger.Warn("PRODUCTBOARD_API_TOKEN is not set, remote calls will be rejected")
	}
	return remote.NewClient(cfg.APIBaseURL, cfg.APIToken,
		remote.WithAPIVersion(cfg.APIVersion),
		remote.WithTimeout(cfg.Timeout()),
	)
}

// openStorage returns the configured ledger storage and a function releasing
// it.
func openStorage(cfg *config.Config) (store.ChangeStorage, func() error, error) {
	switch cfg.LedgerBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.SQLiteDirPath, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		storage, err := sqlite.NewSQLiteChangeStorage(filepath.Join(cfg.SQLiteDirPath, "changes.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return storage, storage.Close, nil
	case config.BackendPostgres:
		storage, err := postgres.NewPGChangeStorage(cfg.PgDatabaseUrl)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres ledger: %w", err)
		}
		return storage, storage.Close, nil
	case config.BackendJSON, "":
		return jsonfile.NewJSONFileChangeStorage(cfg.ChangesFilePath), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
}
