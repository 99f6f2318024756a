// Package app assembles the store, policy, workflow engine and background
// workers from a Config. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/davidahmann/quotegate/internal/config"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/ledger/pgstore"
	"github.com/davidahmann/quotegate/internal/ledger/sqlstore"
	"github.com/davidahmann/quotegate/internal/notify"
	"github.com/davidahmann/quotegate/internal/policy"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/telemetry"
	"github.com/davidahmann/quotegate/internal/workflow"
)

// ShutdownTimeout bounds how long Close may wait for queued runs.
const ShutdownTimeout = 10 * time.Second

type App struct {
	Config   config.Config
	Store    ledger.Store
	Policies *policy.Holder
	Pool     *workflow.Pool
	Engine   *workflow.Engine
	Reviews  *review.Gateway

	closers []func(context.Context) error
}

// Build opens every dependency and starts the background workers. They run
// until ctx ends; Close releases what Build opened.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownTracing)

	store, closeStore, err := OpenStore(ctx, cfg.DB)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.Store = store
	if closeStore != nil {
		a.closers = append(a.closers, func(context.Context) error { return closeStore() })
	}

	a.Policies = policy.NewHolder(policy.Default())
	if cfg.PolicyPath != "" {
		if err := a.Policies.Reload(cfg.PolicyPath); err != nil {
			_ = a.Close(context.Background())
			return nil, fmt.Errorf("load policy: %w", err)
		}
		if err := a.Policies.Watch(ctx, cfg.PolicyPath); err != nil {
			log.Printf("policy watch disabled path=%s err=%v", cfg.PolicyPath, err)
		}
	}

	a.Pool = workflow.NewPool(cfg.Workflow.QueueSize, cfg.Workflow.Workers)
	a.Pool.Start(ctx)
	a.closers = append(a.closers, func(ctx context.Context) error {
		a.Pool.Stop(ctx)
		return nil
	})

	a.Engine, err = workflow.New(workflow.Options{
		Store:                 store,
		Policies:              a.Policies,
		Pool:                  a.Pool,
		MaxMissingInfoRetries: cfg.Workflow.MaxMissingInfoRetries,
		ReviewSLA:             cfg.ReviewSLA(),
		NotifyReviews:         cfg.Notify.Enabled,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.Reviews = review.NewGateway(a.Engine)

	if cfg.Notify.Enabled {
		go notify.RunOutboxWorker(ctx, store, notify.NewWebhookPoster(cfg.Notify.WebhookURL), cfg.Notify.PollInterval)
	}

	log.Printf("app ready driver=%s policy_hash=%s workers=%d", driverName(cfg.DB.Driver), a.Policies.Current().Hash, cfg.Workflow.Workers)
	return a, nil
}

// Close stops workers, closes the store and flushes traces, in reverse
// order of Build.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenStore returns the configured run store with migrations applied. The
// close func is nil for the in-memory store.
func OpenStore(ctx context.Context, db config.DBConfig) (ledger.Store, func() error, error) {
	switch db.Driver {
	case "", config.DriverMemory:
		return ledger.NewInMemoryStore(), nil, nil
	case config.DriverSQLite:
		s, err := sqlstore.OpenSQLite(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(ctx, s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := pgstore.OpenPostgres(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(ctx, s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", db.Driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return config.DriverMemory
	}
	return d
}
