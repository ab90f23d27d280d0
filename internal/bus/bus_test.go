package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
)

type failingSink struct {
	closed bool
}

func (s *failingSink) Send(bus.Frame) error { return errors.New("connection reset") }
func (s *failingSink) Close()               { s.closed = true }

type panickingSink struct{}

func (panickingSink) Send(bus.Frame) error { panic("boom") }
func (panickingSink) Close()               {}

func fixedNow() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

func TestHubPublishReachesEverySink(t *testing.T) {
	hub := bus.NewHub(bus.HubConfig{Now: fixedNow})
	a, b := bus.NewChanSink(4), bus.NewChanSink(4)
	hub.Register(a)
	hub.Register(b)

	hub.Publish(bus.TaskUpdated, map[string]string{"id": "t1"})

	for _, s := range []*bus.ChanSink{a, b} {
		select {
		case f := <-s.Frames():
			assert.Equal(t, bus.TaskUpdated, f.Type)
			assert.Equal(t, map[string]string{"id": "t1"}, f.Data)
			assert.True(t, f.Timestamp.Equal(fixedNow()))
		default:
			t.Fatal("frame not delivered")
		}
	}
}

func TestHubDropsFailingSinks(t *testing.T) {
	tests := map[string]struct {
		sink bus.Sink
	}{
		"Erroring sink":  {sink: &failingSink{}},
		"Panicking sink": {sink: panickingSink{}},
		"Full sink": {sink: func() bus.Sink {
			s := bus.NewChanSink(1)
			_ = s.Send(bus.Frame{Type: "filler"})
			return s
		}()},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			hub := bus.NewHub(bus.HubConfig{})
			healthy := bus.NewChanSink(4)
			hub.Register(healthy)
			hub.Register(test.sink)
			require.Equal(t, 2, hub.Count())

			hub.Publish(bus.TaskCreated, nil)

			assert.Equal(t, 1, hub.Count())
			assert.Len(t, healthy.Frames(), 1)
			if fs, ok := test.sink.(*failingSink); ok {
				assert.True(t, fs.closed)
			}
		})
	}
}

func TestHubUnregisterClosesSink(t *testing.T) {
	hub := bus.NewHub(bus.HubConfig{})
	s := bus.NewChanSink(1)
	id := hub.Register(s)

	assert.True(t, hub.Unregister(id))
	assert.False(t, hub.Unregister(id))
	assert.Zero(t, hub.Count())

	select {
	case <-s.Done():
	default:
		t.Fatal("sink not closed")
	}
	assert.ErrorIs(t, s.Send(bus.Frame{}), bus.ErrSinkClosed)

	hub.Publish(bus.TaskDeleted, nil)
	assert.Len(t, s.Frames(), 0)
}

func TestHubConcurrentUse(t *testing.T) {
	hub := bus.NewHub(bus.HubConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := bus.NewChanSink(64)
			id := hub.Register(s)
			hub.Publish(bus.TaskUpdated, nil)
			hub.Unregister(id)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(bus.TaskUpdated, nil)
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Count())
}

func TestNextPoll(t *testing.T) {
	anchor := fixedNow()
	tests := map[string]struct {
		now   time.Time
		every time.Duration
		exp   time.Time
	}{
		"At the anchor":     {now: anchor, every: 30 * time.Second, exp: anchor.Add(30 * time.Second)},
		"Mid interval":      {now: anchor.Add(45 * time.Second), every: 30 * time.Second, exp: anchor.Add(60 * time.Second)},
		"Exactly on a tick": {now: anchor.Add(60 * time.Second), every: 30 * time.Second, exp: anchor.Add(90 * time.Second)},
		"Before the anchor": {now: anchor.Add(-time.Second), every: 30 * time.Second, exp: anchor},
		"No schedule":       {now: anchor.Add(time.Hour), every: 0, exp: anchor},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.True(t, test.exp.Equal(bus.NextPoll(anchor, test.now, test.every)))
		})
	}
}

type recorder struct {
	mu     sync.Mutex
	frames []bus.Frame
}

func (r *recorder) Publish(eventType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, bus.Frame{Type: eventType, Data: data})
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestPulserPublishesUntilCancelled(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- bus.Pulser{Publisher: rec, Interval: 5 * time.Millisecond, PollInterval: time.Minute}.Run(ctx)
	}()

	require.Eventually(t, func() bool { return rec.len() >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, bus.Pulse, rec.frames[0].Type)
	data, ok := rec.frames[0].Data.(bus.PulseData)
	require.True(t, ok)
	assert.True(t, data.NextPollAt.After(time.Now().Add(-time.Second)))
	assert.Equal(t, time.Minute.Milliseconds(), data.PollInterval)
}

func TestWebhookSinkDeliversMatchingFrames(t *testing.T) {
	var mu sync.Mutex
	var got []bus.Frame
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var f bus.Frame
		_ = json.Unmarshal(body, &f)
		mu.Lock()
		got = append(got, f)
		secrets = append(secrets, r.Header.Get("X-Mission-Control-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := bus.NewWebhookSink(bus.WebhookConfig{URL: srv.URL, Events: []string{bus.TaskUpdated}, Secret: "s3cret"})
	hub := bus.NewHub(bus.HubConfig{})
	hub.Register(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	hub.Publish(bus.Pulse, nil)
	hub.Publish(bus.TaskUpdated, map[string]string{"id": "t1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, bus.TaskUpdated, got[0].Type)
	assert.Equal(t, "s3cret", secrets[0])
	assert.Equal(t, 1, hub.Count())
}
