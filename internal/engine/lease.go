package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

// maxClaimAttempts bounds how many candidates discovery tries when other
// workers keep winning the race for them.
const maxClaimAttempts = 5

const (
	ActionClaimed = "claimed"
	ActionNone    = "none"
)

// Claim takes the lease on a task for sessionKey and routes it to InProgress
// with a running execution state. Claiming again with the same key re-affirms
// the lease. Another holder yields a *domain.LeaseHeldError.
func (e Engine) Claim(ctx context.Context, id, sessionKey string) (domain.Task, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Store.ClaimLease(ctx, store.LeaseClaim{
		TaskID:      id,
		SessionKey:  sessionKey,
		At:          e.now(),
		Actor:       sessionKey,
		ToStatus:    domain.StatusInProgress,
		ToExecution: domain.ExecRunning,
	})
	if err != nil {
		return domain.Task{}, storeErr(err)
	}
	e.publish(bus.TaskUpdated, t)
	return t, nil
}

// Release drops the lease. It does not change the workflow stage.
func (e Engine) Release(ctx context.Context, id, sessionKey string) (domain.Task, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Store.ReleaseLease(ctx, id, sessionKey, e.now(), sessionKey)
	if err != nil {
		return domain.Task{}, storeErr(err)
	}
	e.publish(bus.TaskUpdated, t)
	return t, nil
}

// Heartbeat renews the holder's lease so the reaper leaves it alone.
func (e Engine) Heartbeat(ctx context.Context, id, sessionKey string) (domain.Task, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Store.Heartbeat(ctx, id, sessionKey, e.now())
	return t, storeErr(err)
}

// WorkOffer is the outcome of a discovery poll. Task is nil when Action is ActionNone.
type WorkOffer struct {
	Task              *domain.Task
	Action            string
	Instructions      string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

func (e Engine) offer(t *domain.Task) WorkOffer {
	if t == nil {
		return WorkOffer{Action: ActionNone}
	}
	cfg := e.config()
	return WorkOffer{
		Task:              t,
		Action:            ActionClaimed,
		Instructions:      cfg.Instructions(t.Assignee),
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter(),
	}
}

func lostRace(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

// FindReadyForWork claims the oldest Ready task for assignee that is free or
// already held by sessionKey. Finding nothing is not an error.
func (e Engine) FindReadyForWork(ctx context.Context, assignee, sessionKey string) (WorkOffer, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return WorkOffer{}, err
	}
	if assignee == "" {
		assignee = e.config().Work.DefaultAssignee
	}
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		cand, err := e.Store.NextReady(ctx, assignee, sessionKey)
		if errors.Is(err, domain.ErrNotFound) {
			return e.offer(nil), nil
		}
		if err != nil {
			return WorkOffer{}, storeErr(err)
		}
		t, err := e.Store.ClaimLease(ctx, store.LeaseClaim{
			TaskID:        cand.ID,
			SessionKey:    sessionKey,
			At:            e.now(),
			Actor:         sessionKey,
			RequireStatus: domain.StatusReady,
			ToStatus:      domain.StatusInProgress,
			ToExecution:   domain.ExecRunning,
		})
		if lostRace(err) || errors.Is(err, domain.ErrNotFound) {
			e.logger().Debugf("Lost ready task %s to another worker: %s", cand.ID, err)
			continue
		}
		if err != nil {
			return WorkOffer{}, storeErr(err)
		}
		e.publish(bus.TaskUpdated, t)
		return e.offer(&t), nil
	}
	return e.offer(nil), nil
}

// FindOrphaned takes the lease on the longest silent InProgress task that has
// no lease. The stage is left as it is.
func (e Engine) FindOrphaned(ctx context.Context, assignee, sessionKey string) (WorkOffer, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return WorkOffer{}, err
	}
	if assignee == "" {
		assignee = e.config().Work.DefaultAssignee
	}
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		cand, err := e.Store.NextOrphaned(ctx, assignee)
		if errors.Is(err, domain.ErrNotFound) {
			return e.offer(nil), nil
		}
		if err != nil {
			return WorkOffer{}, storeErr(err)
		}
		t, err := e.Store.ClaimLease(ctx, store.LeaseClaim{
			TaskID:        cand.ID,
			SessionKey:    sessionKey,
			At:            e.now(),
			Actor:         sessionKey,
			RequireStatus: domain.StatusInProgress,
		})
		if lostRace(err) || errors.Is(err, domain.ErrNotFound) {
			e.logger().Debugf("Lost orphaned task %s to another worker: %s", cand.ID, err)
			continue
		}
		if err != nil {
			return WorkOffer{}, storeErr(err)
		}
		e.logger().Infof("Session %s recovered orphaned task %s", sessionKey, t.ID)
		e.publish(bus.TaskUpdated, t)
		return e.offer(&t), nil
	}
	return e.offer(nil), nil
}

// DefaultStaleMinutes is the lease age cleanupStale uses when none is given.
const DefaultStaleMinutes = 5

type CleanupResult struct {
	Cleaned   int
	TaskIDs   []string
	Threshold time.Time
}

// CleanupStale clears every lease older than olderThanMinutes and idles those tasks.
func (e Engine) CleanupStale(ctx context.Context, olderThanMinutes int) (CleanupResult, error) {
	if olderThanMinutes < 1 {
		return CleanupResult{}, fmt.Errorf("%w: olderThanMinutes must be >= 1", domain.ErrInvalid)
	}
	now := e.now()
	cutoff := now.Add(-time.Duration(olderThanMinutes) * time.Minute)
	ids, err := e.Store.ClearStaleLeases(ctx, cutoff, now, audit.SystemActor)
	if err != nil {
		return CleanupResult{}, storeErr(err)
	}
	for _, id := range ids {
		t, err := e.Store.GetTask(ctx, id)
		if err != nil {
			e.logger().Warningf("Could not load reaped task %s for publishing: %s", id, err)
			continue
		}
		e.publish(bus.TaskUpdated, t)
	}
	if len(ids) > 0 {
		e.logger().Infof("Cleared %d stale leases older than %s", len(ids), cutoff.Format(time.RFC3339))
	}
	return CleanupResult{Cleaned: len(ids), TaskIDs: ids, Threshold: cutoff}, nil
}
