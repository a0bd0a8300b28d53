package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/blob-reconcile/pkg/reconcile/api"
	"github.com/tendant/blob-reconcile/pkg/reconcile/metrics"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the configured schedules",
	Long: `Run the admin HTTP API and trigger the schedules listed in the config file.

Schedules are guarded by leases, so several instances sharing a lease store
trigger each schedule once per interval between them.

Examples:
  # Serve on the configured port with in-memory stores
  reconciler serve

  # Serve against Postgres and Redis
  DATABASE_URL=postgres://... LEASE_URL=redis://localhost:6379/0 reconciler serve --addr :9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default \":$PORT\")")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	deps := api.Deps{
		Runner:   a.runner,
		Engine:   a.engine,
		Metadata: a.stores.Metadata,
		Plans:    a.stores.Plans,
		Policies: a.stores.Policies,
		Logger:   a.logger,
	}
	if a.registry != nil {
		deps.Metrics = metrics.Handler(a.registry)
	}
	handler, err := api.NewHandler(deps)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Mount("/", handler.Routes())

	addr := serveAddr
	if addr == "" {
		addr = ":" + a.cfg.Port
	}
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("admin api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if len(a.cfg.Schedules) > 0 {
		scheduler, err := tasks.NewScheduler(a.runner, a.leases, a.identity, a.cfg.Schedules, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
