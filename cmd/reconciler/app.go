package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/blob-reconcile/pkg/reconcile"
	"github.com/tendant/blob-reconcile/pkg/reconcile/cleanup"
	"github.com/tendant/blob-reconcile/pkg/reconcile/config"
	"github.com/tendant/blob-reconcile/pkg/reconcile/metrics"
	"github.com/tendant/blob-reconcile/pkg/reconcile/tasks"
)

// app holds every component built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	identity reconcile.Identity
	registry *prometheus.Registry
	leases   reconcile.LeaseManager
	stores   *config.Stores
	planner  *reconcile.Planner
	executor *reconcile.Executor
	engine   *cleanup.Engine
	runner   *tasks.Runner

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, identity: reconcile.NewIdentity()}
	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	logger.Info("reconciler ready", "identity", a.identity, "storage", cfg.StorageURL, "environment", cfg.Environment)
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	blobs, err := cfg.BuildBlobStore()
	if err != nil {
		return fmt.Errorf("build blob store: %w", err)
	}
	failover, err := cfg.BuildFailover()
	if err != nil {
		return fmt.Errorf("build failover store: %w", err)
	}

	a.stores, err = cfg.BuildStores(ctx, a.logger)
	if err != nil {
		return fmt.Errorf("build stores: %w", err)
	}
	a.closers = append(a.closers, a.stores.Close)

	leases, closeLeases, err := cfg.BuildLeases()
	if err != nil {
		return fmt.Errorf("build lease manager: %w", err)
	}
	a.leases = leases
	a.closers = append(a.closers, closeLeases)

	events, closeEvents, err := cfg.BuildEventSink(a.logger)
	if err != nil {
		return fmt.Errorf("build event sink: %w", err)
	}
	a.closers = append(a.closers, closeEvents)

	opts := append(cfg.ReconcileOptions(),
		reconcile.WithIdentity(a.identity),
		reconcile.WithLogger(a.logger),
		reconcile.WithEventSink(events),
	)
	if failover != nil {
		opts = append(opts, reconcile.WithFailover(failover))
	}
	var m *metrics.Prometheus
	if cfg.EnableMetrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(a.registry)
		opts = append(opts, reconcile.WithMetrics(m))
	}

	a.planner, err = reconcile.NewPlanner(blobs, a.stores.Metadata, a.stores.Plans, opts...)
	if err != nil {
		return err
	}
	a.executor, err = reconcile.NewExecutor(blobs, a.stores.Metadata, a.stores.Plans, a.leases, opts...)
	if err != nil {
		return err
	}
	engineOpts := []cleanup.Option{cleanup.WithLogger(a.logger)}
	if m != nil {
		engineOpts = append(engineOpts, cleanup.WithMetrics(m))
	}
	a.engine = cleanup.NewEngine(engineOpts...)
	a.runner, err = tasks.NewRunner(tasks.Deps{
		Planner:  a.planner,
		Executor: a.executor,
		Engine:   a.engine,
		Metadata: a.stores.Metadata,
		Plans:    a.stores.Plans,
		Policies: a.stores.Policies,
		Logger:   a.logger,
	})
	return err
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}
