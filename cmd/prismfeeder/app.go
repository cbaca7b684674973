package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bryan-buckman/prismfeeder/internal/config"
	"github.com/bryan-buckman/prismfeeder/internal/database"
	"github.com/bryan-buckman/prismfeeder/internal/logging"
	"github.com/bryan-buckman/prismfeeder/internal/merge"
	"github.com/bryan-buckman/prismfeeder/internal/model"
	"github.com/bryan-buckman/prismfeeder/internal/notify"
	"github.com/bryan-buckman/prismfeeder/internal/scheduler"
	"github.com/bryan-buckman/prismfeeder/internal/service"
	"github.com/bryan-buckman/prismfeeder/internal/source"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg    *config.Config
	log    *logging.SlogLogger
	store  *database.SQLStore
	events notify.EventLog
	hub    *notify.Hub
	sched  *scheduler.Scheduler
	svc    *service.Service
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(options.ConfigPath, options.EnvFile)
	if err != nil {
		return nil, err
	}
	if options.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)

	backoff := model.Backoff{
		Threshold: cfg.Scheduler.ErrorThreshold,
		Max:       cfg.Scheduler.MaxBackoff.Std(),
	}
	store, err := database.Open(ctx, database.Config{
		Driver:  database.Dialect(cfg.Database.Driver),
		DSN:     cfg.Database.DSN,
		Backoff: backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var events notify.EventLog
	if cfg.Notify.EventLogDir == "" {
		events = notify.NewMemoryLog()
	} else {
		events, err = notify.OpenBadgerLog(cfg.Notify.EventLogDir)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
	}

	hub := notify.NewHub(events, store, log, notify.Config{
		BufferSize:   cfg.Notify.BufferSize,
		Retention:    cfg.Notify.Retention.Std(),
		MaxEvents:    cfg.Notify.MaxEvents,
		JanitorEvery: cfg.Notify.JanitorEvery.Std(),
		AckEviction:  cfg.Notify.AckEviction,
	})

	fetcher := source.New(source.Options{
		UserAgent:    cfg.Scheduler.UserAgent,
		MaxBodyBytes: cfg.Scheduler.MaxBodyBytes,
	})
	sched := scheduler.New(store, fetcher, hub, log, scheduler.Config{
		Tick:               cfg.Scheduler.Tick.Std(),
		Workers:            cfg.Scheduler.Workers,
		FetchTimeout:       cfg.Scheduler.FetchTimeout.Std(),
		PerHostConcurrency: cfg.Scheduler.PerHostConcurrency,
		HostSpacing:        cfg.Scheduler.HostSpacing.Std(),
		Backoff:            backoff,
		JobHistory:         cfg.Scheduler.JobHistory,
		DuplicatePolicy:    merge.ParseDuplicatePolicy(cfg.Scheduler.DuplicatePolicy),
		EntryRetention:     cfg.Scheduler.EntryRetention.Std(),
	})

	return &app{
		cfg:    cfg,
		log:    log,
		store:  store,
		events: events,
		hub:    hub,
		sched:  sched,
		svc:    service.New(store, sched, hub, log),
	}, nil
}

func (a *app) Close() error {
	a.hub.Close()
	return errors.Join(a.events.Close(), a.store.Close())
}
