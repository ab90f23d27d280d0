package bus

import (
	"context"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

// PulseData tells clients when workers are next expected to poll.
type PulseData struct {
	NextPollAt   time.Time `json:"nextPollAt"`
	PollInterval int64     `json:"pollIntervalMs"`
}

// Pulser publishes a pulse event on a fixed cadence, independent of task traffic.
type Pulser struct {
	Publisher    Publisher
	Interval     time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	Logger       log.Logger
}

func (p Pulser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// NextPoll returns the first poll tick strictly after now on a schedule that
// started at anchor.
func NextPoll(anchor, now time.Time, every time.Duration) time.Time {
	if every <= 0 || now.Before(anchor) {
		return anchor
	}
	k := now.Sub(anchor)/every + 1
	return anchor.Add(k * every)
}

// Run publishes until ctx is done.
func (p Pulser) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = log.Noop
	}
	anchor := p.now()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	logger.Infof("Pulse every %s, poll schedule every %s", p.Interval, p.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Publisher.Publish(Pulse, PulseData{
				NextPollAt:   NextPoll(anchor, p.now(), p.PollInterval).UTC(),
				PollInterval: p.PollInterval.Milliseconds(),
			})
		}
	}
}
