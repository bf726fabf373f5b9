package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/GetStream/feed-reactions/api"
	"github.com/GetStream/feed-reactions/api/validator"
	"github.com/GetStream/feed-reactions/config"
	"github.com/GetStream/feed-reactions/feed"
	"github.com/GetStream/feed-reactions/metrics"
	"github.com/GetStream/feed-reactions/postgres"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables and indexes",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
	reconcileCmd = &cobra.Command{
		Use:   "reconcile item-id...",
		Short: "Recompute reaction counts from the reaction rows",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runReconcile,
	}

	migrateOnStart bool
	concurrency    int
)

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "run Postgres migrations before serving")
	reconcileCmd.Flags().IntVar(&concurrency, "concurrency", 4, "items reconciled in parallel")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Could not close store", "error", err.Error())
		}
	}()
	if pg, ok := store.(*postgres.Postgres); ok && migrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	instrumented := metrics.Wrap(store, m)

	handler := &api.API{
		Logger: logger,
		Store:  instrumented,
		Pager: &feed.Pager{
			Store:       instrumented,
			PageSize:    cfg.PageSize,
			MaxPageSize: cfg.MaxPageSize,
		},
		Ledger:  feed.NewLedger(instrumented, logger),
		Val:     validator.New(),
		Metrics: m.Handler(),
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.HTTPAddr, "backend", cfg.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.Backend != config.BackendPostgres {
		logger.Info("Nothing to migrate", "backend", cfg.Backend)
		return nil
	}
	pg, err := postgres.Connect(cmd.Context(), cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Migrations applied")
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	defer closeStore()

	drifts, err := feed.NewLedger(store, logger).ReconcileAll(cmd.Context(), args, concurrency)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, d := range drifts {
		status := "ok"
		if d.Drifted() {
			status = "fixed"
		}
		fmt.Fprintf(out, "%s\t%s\tstored=%v\tactual=%v\n", d.ItemID, status, d.Stored, d.Actual)
	}
	return nil
}
