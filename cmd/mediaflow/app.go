package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/mediaflow/internal/bus"
	"github.com/rendis/mediaflow/internal/engine"
	"github.com/rendis/mediaflow/internal/pipeline"
	"github.com/rendis/mediaflow/internal/scheduler"
	"github.com/rendis/mediaflow/internal/store"
	"github.com/rendis/mediaflow/internal/streaming"
	"github.com/rendis/mediaflow/internal/validation"
)

// app is the wired process: storage, bus, engine and scheduler.
type app struct {
	cfg    Config
	logger *slog.Logger

	store     store.Store
	records   pipeline.Records
	hub       *streaming.MemoryHub
	client    *bus.Client
	engine    *engine.Engine
	scheduler *scheduler.Scheduler

	shutdownTracing func(context.Context) error
}

// openStore opens the configured store and the media records that live
// beside it.
func openStore(ctx context.Context, cfg Config) (store.Store, pipeline.Records, error) {
	if cfg.DBPath == memoryDB {
		return store.NewMemoryStore(), pipeline.NewMemoryRecords(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return s, pipeline.NewSQLRecords(s.DB()), nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, records, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s, records: records, hub: streaming.NewMemoryHub()}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if err := pipeline.RegisterSchemas(validator); err != nil {
		_ = s.Close()
		return nil, err
	}

	reg, err := engine.NewRegistry()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	services := pipeline.NewServiceClient(pipeline.ServiceConfig{
		MetadataURL:   cfg.MetadataURL,
		TranscribeURL: cfg.TranscribeURL,
		GenerateURL:   cfg.GenerateURL,
		Token:         cfg.ServiceToken,
	})
	p := pipeline.New(records, services, services, services,
		pipeline.WithLogger(logger.With("component", "pipeline")))
	if err := p.Register(reg); err != nil {
		_ = s.Close()
		return nil, err
	}

	tp, shutdown := newTracerProvider(cfg.TraceSpans, logger)
	a.shutdownTracing = shutdown

	a.client = bus.New(s, validator, bus.WithLogger(logger.With("component", "bus")))
	engCfg := engine.DefaultConfig()
	engCfg.PoolSize = cfg.PoolSize
	engCfg.PollInterval = cfg.PollInterval.Std()
	engCfg.LeaseDuration = cfg.LeaseDuration.Std()
	a.engine = engine.New(s, reg, a.client,
		engine.WithConfig(engCfg),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithHub(a.hub),
		engine.WithTracerProvider(tp),
	)
	a.client.Attach(a.engine)

	if cfg.SchedulerEnabled {
		a.scheduler = scheduler.NewScheduler(s, a.client,
			logger.With("component", "scheduler"),
			scheduler.WithTick(cfg.SchedulerTick.Std()))
		if err := a.scheduler.Sync(ctx, reg.Triggers(time.Now())); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sync triggers: %w", err)
		}
	}
	return a, nil
}

// start runs the engine and scheduler in the background.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if a.scheduler == nil {
		return nil
	}
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed trigger recovery incomplete", "error", err)
	}
	return a.scheduler.Start(ctx)
}

// close stops the scheduler before the engine so no trigger fires into a
// stopping engine, then flushes spans and closes the store.
func (a *app) close() error {
	var errs []error
	if a.scheduler != nil {
		errs = append(errs, a.scheduler.Stop())
	}
	a.engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.shutdownTracing(ctx), a.store.Close())
	return errors.Join(errs...)
}
