package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wilhg/footprint/internal/config"
	"github.com/wilhg/footprint/pkg/adapters/geo"
	_ "github.com/wilhg/footprint/pkg/adapters/geo/header"
	_ "github.com/wilhg/footprint/pkg/adapters/geo/ipapi"
	_ "github.com/wilhg/footprint/pkg/adapters/geo/maxmind"
	"github.com/wilhg/footprint/pkg/owner"
	"github.com/wilhg/footprint/pkg/queue"
	"github.com/wilhg/footprint/pkg/queue/amqpq"
	"github.com/wilhg/footprint/pkg/queue/memory"
	"github.com/wilhg/footprint/pkg/queue/redisq"
	"github.com/wilhg/footprint/pkg/store"
	"github.com/wilhg/footprint/pkg/store/gormstore"
	"github.com/wilhg/footprint/pkg/store/sqlstore"
	"github.com/wilhg/footprint/pkg/tracker"
)

// app holds the wired components of the server.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	store      store.Store
	ping       func(context.Context) error
	owners     *owner.Registry
	geo        geo.Locator
	settings   *tracker.Settings
	dispatcher *tracker.Dispatcher
	handler    *tracker.TaskHandler
	consumer   queue.Consumer
	memq       *memory.Queue
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, owners: owner.NewRegistry(), settings: tracker.NewSettings(cfg.Tracking.Async)}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	db, dia, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	for _, o := range cfg.Owners {
		if err := a.owners.Register(o.Type, owner.TableLookup(db, dia, o.Table, o.Column)); err != nil {
			return err
		}
	}

	enq, err := a.openQueue()
	if err != nil {
		return err
	}

	var enricher *tracker.Enricher
	if loc := locator(cfg.Geo); loc != nil {
		a.geo = loc
		a.closers = append(a.closers, func() error { return geo.Close(loc) })
		enricher = tracker.NewEnricher(loc, tracker.WithTimeout(cfg.Geo.Timeout), tracker.WithEnricherLogger(log.Named("geo")))
	}
	registry := tracker.NewRegistry()
	for _, c := range cfg.Categories {
		if !a.owners.Known(c.OwnerType) {
			return fmt.Errorf("category %q: owner type %q is not configured (owners: %v)", c.Name, c.OwnerType, a.owners.Types())
		}
		if _, err := registry.Define(c.OwnerType, c.Name); err != nil {
			return err
		}
	}
	a.dispatcher = tracker.NewDispatcher(a.store, a.settings, enq,
		tracker.WithEnricher(enricher), tracker.WithRegistry(registry), tracker.WithLogger(log.Named("tracker")))
	a.handler = tracker.NewTaskHandler(a.store, a.owners, enricher, tracker.WithLogger(log.Named("tasks")))
	return nil
}

// openStore opens the configured backend and returns the raw connection for
// owner table lookups.
func (a *app) openStore(ctx context.Context) (*sql.DB, string, error) {
	switch a.cfg.Database.Driver {
	case "gorm":
		st, err := gormstore.Open(a.cfg.Database.URL, gormstore.WithLogger(gormlogger.Default.LogMode(gormlogger.Warn)))
		if err != nil {
			return nil, "", fmt.Errorf("open gorm store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		db, err := st.SQLDB()
		if err != nil {
			return nil, "", err
		}
		a.store, a.ping = st, db.PingContext
		return db, "postgres", nil
	default:
		st, err := sqlstore.Open(ctx, a.cfg.Database.URL)
		if err != nil {
			return nil, "", fmt.Errorf("open store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			return nil, "", fmt.Errorf("migrate: %w", err)
		}
		a.store, a.ping = st, st.Ping
		return st.DB(), st.Dialect(), nil
	}
}

func (a *app) openQueue() (queue.Enqueuer, error) {
	qc := a.cfg.Queue
	qlog := a.log.Named("queue")
	switch qc.Driver {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.Redis.Addr, Password: a.cfg.Redis.Password, DB: a.cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		q := redisq.New(rdb, qc.Name, redisq.WithWorkers(qc.Workers), redisq.WithMaxAttempts(qc.MaxAttempts), redisq.WithLogger(qlog))
		if qc.RecoverOnStart {
			n, err := q.Recover(context.Background())
			if err != nil {
				return nil, fmt.Errorf("recover redis queue: %w", err)
			}
			qlog.Info("recovered in-flight tasks", zap.Int("count", n))
		}
		a.consumer = q
		return q, nil
	case "amqp":
		q, err := amqpq.Dial(a.cfg.AMQP.URL, qc.Name,
			amqpq.WithPrefetch(a.cfg.AMQP.Prefetch), amqpq.WithMaxAttempts(qc.MaxAttempts), amqpq.WithLogger(qlog))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, q.Close)
		a.consumer = q
		return q, nil
	default:
		q := memory.New(qc.Capacity, memory.WithWorkers(qc.Workers), memory.WithMaxAttempts(qc.MaxAttempts), memory.WithLogger(qlog))
		a.memq, a.consumer = q, q
		return q, nil
	}
}

// locator builds the configured geolocation backend. It is opened lazily, so
// an unknown backend name fails on the first lookup.
func locator(gc config.GeoConfig) geo.Locator {
	if gc.Backend == "" || gc.Backend == "none" {
		return nil
	}
	settings := func(name string) map[string]any {
		switch name {
		case "maxmind":
			return map[string]any{"path": gc.MaxMindPath}
		case "ipapi":
			return map[string]any{"base_url": gc.IPAPIURL}
		default:
			return map[string]any{}
		}
	}
	cfg := settings(gc.Backend)
	if gc.Backend == "header" && gc.Fallback != "" {
		cfg["fallback"] = gc.Fallback
		cfg["fallback_config"] = settings(gc.Fallback)
	}
	return geo.Lazy(gc.Backend, cfg)
}

// consume runs the task consumer until ctx is cancelled. The in-process queue
// is drained so accepted tasks are not lost on shutdown.
func (a *app) consume(ctx context.Context) error {
	if a.memq != nil {
		a.memq.Start(context.WithoutCancel(ctx), a.handler)
		<-ctx.Done()
		a.log.Info("draining task queue", zap.Int("pending", a.memq.Len()))
		a.memq.Drain()
		return nil
	}
	return a.consumer.Run(ctx, a.handler)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
