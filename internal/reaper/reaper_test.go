package reaper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/reaper"
)

type fakeCleaner struct {
	mu      sync.Mutex
	calls   []int
	failFor int
}

func (f *fakeCleaner) CleanupStale(_ context.Context, minutes int) (engine.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, minutes)
	if len(f.calls) <= f.failFor {
		return engine.CleanupResult{}, errors.New("database is locked")
	}
	return engine.CleanupResult{Cleaned: 1, TaskIDs: []string{"t1"}}, nil
}

func (f *fakeCleaner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewRequiresCleaner(t *testing.T) {
	_, err := reaper.New(reaper.Config{})
	assert.Error(t, err)
}

func TestSweepUsesDefaultThreshold(t *testing.T) {
	c := &fakeCleaner{}
	r, err := reaper.New(reaper.Config{Cleaner: c})
	require.NoError(t, err)

	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)
	assert.Equal(t, []int{engine.DefaultStaleMinutes}, c.calls)
}

func TestRunRetriesAfterFailures(t *testing.T) {
	c := &fakeCleaner{failFor: 2}
	r, err := reaper.New(reaper.Config{Cleaner: c, Interval: 5 * time.Millisecond, StaleAfterMinutes: 10})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return c.count() >= 4 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.calls {
		assert.Equal(t, 10, m)
	}
}
