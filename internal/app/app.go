// Package app wires the configured store, event hub and engine together.
package app

import (
	"context"
	"fmt"

	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
	"github.com/greenclawdbot/mission-control-sub000/internal/migrate"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
	"github.com/greenclawdbot/mission-control-sub000/internal/store/memory"
	"github.com/greenclawdbot/mission-control-sub000/internal/store/sqlstore"
)

const DriverMemory = "memory"

type App struct {
	Config *config.Config
	Store  store.Store
	Hub    *bus.Hub
	Engine engine.Engine
	Logger log.Logger
}

// Options control how Open prepares the store.
type Options struct {
	// SkipMigrations leaves the schema as it is.
	SkipMigrations bool
	Logger         log.Logger
}

// Open builds the store for cfg.Store.Driver, migrates SQL schemas and
// returns an engine publishing to a fresh hub.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Noop
	}
	s, err := OpenStore(ctx, cfg, opts.SkipMigrations, logger)
	if err != nil {
		return nil, err
	}
	hub := bus.NewHub(bus.HubConfig{Logger: logger})
	return &App{
		Config: cfg,
		Store:  s,
		Hub:    hub,
		Engine: engine.New(s, hub, cfg, logger),
		Logger: logger,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// OpenStore opens the configured store backend.
func OpenStore(ctx context.Context, cfg *config.Config, skipMigrations bool, logger log.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case DriverMemory:
		r, err := memory.NewRepository(memory.RepositoryConfig{Logger: logger})
		if err != nil {
			return nil, err
		}
		return r, nil
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	conn, err := db.Open(db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s store: %w", cfg.Store.Driver, err)
	}
	if !skipMigrations {
		m, err := migrate.NewMigrator(conn.DB, cfg.Store.Driver, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := m.Up(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	s, err := sqlstore.New(sqlstore.Config{DB: conn, Logger: logger})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Webhooks builds a sink for every active webhook in cfg.
func Webhooks(cfg *config.Config, logger log.Logger) []*bus.WebhookSink {
	var sinks []*bus.WebhookSink
	for _, w := range cfg.Webhooks {
		if !w.Active() {
			continue
		}
		sinks = append(sinks, bus.NewWebhookSink(bus.WebhookConfig{
			URL:     w.URL,
			Events:  w.Events,
			Secret:  w.Secret,
			Timeout: w.Timeout,
			Buffer:  cfg.Events.SinkBuffer,
			Logger:  logger,
		}))
	}
	return sinks
}
