// Package reaper periodically clears leases whose holders stopped heartbeating.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

// Cleaner is satisfied by engine.Engine.
type Cleaner interface {
	CleanupStale(ctx context.Context, olderThanMinutes int) (engine.CleanupResult, error)
}

type Config struct {
	Cleaner Cleaner
	// Interval between sweeps.
	Interval time.Duration
	// StaleAfterMinutes is the lease age a sweep clears.
	StaleAfterMinutes int
	Logger            log.Logger
}

func (c *Config) defaults() error {
	if c.Cleaner == nil {
		return fmt.Errorf("cleaner is required")
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfterMinutes < 1 {
		c.StaleAfterMinutes = engine.DefaultStaleMinutes
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "reaper"})
	return nil
}

type Reaper struct {
	cfg Config
}

func New(cfg Config) (*Reaper, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Reaper{cfg: cfg}, nil
}

// Sweep runs a single cleanup pass.
func (r *Reaper) Sweep(ctx context.Context) (engine.CleanupResult, error) {
	res, err := r.cfg.Cleaner.CleanupStale(ctx, r.cfg.StaleAfterMinutes)
	if err != nil {
		return res, err
	}
	if res.Cleaned > 0 {
		r.cfg.Logger.WithValues(log.Kv{"tasks": res.TaskIDs}).Infof("Reaped %d stale leases", res.Cleaned)
	}
	return res, nil
}

// Run sweeps once right away and then on every interval until ctx is done.
// A failed sweep is logged and retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	r.cfg.Logger.Infof("Reaping leases older than %d minutes every %s", r.cfg.StaleAfterMinutes, r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.cfg.Logger.Errorf("Stale lease sweep failed: %s", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
