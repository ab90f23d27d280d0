// Package bus fans task lifecycle events out to live subscribers.
package bus

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

const (
	Connected   = "connected"
	TaskCreated = "task:created"
	TaskUpdated = "task:updated"
	TaskDeleted = "task:deleted"
	TaskReady   = "task:ready"
	Pulse       = "pulse"
)

// Frame is one message delivered to a sink.
type Frame struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrSinkFull   = errors.New("sink buffer full")
	ErrSinkClosed = errors.New("sink closed")
)

// Sink receives frames for one subscriber. Send must not block.
type Sink interface {
	Send(f Frame) error
	Close()
}

// Publisher is what producers of task events depend on.
type Publisher interface {
	Publish(eventType string, data any)
}

type HubConfig struct {
	Logger log.Logger
	Now    func() time.Time
}

func (c *HubConfig) defaults() {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "bus.Hub"})
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Hub is the connection manager: it owns the registry of live sinks.
type Hub struct {
	mu     sync.RWMutex
	sinks  map[string]Sink
	now    func() time.Time
	logger log.Logger
}

var _ Publisher = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	cfg.defaults()
	return &Hub{
		sinks:  map[string]Sink{},
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Register adds s to the registry and returns its subscriber id. The caller
// must Unregister the id when the subscriber goes away.
func (h *Hub) Register(s Sink) string {
	id := ulid.Make().String()
	h.mu.Lock()
	h.sinks[id] = s
	n := len(h.sinks)
	h.mu.Unlock()
	h.logger.Debugf("Registered sink %s (%d live)", id, n)
	return id
}

// Unregister removes and closes the sink. It reports whether id was registered.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	s, ok := h.sinks[id]
	delete(h.sinks, id)
	h.mu.Unlock()
	if ok {
		s.Close()
		h.logger.Debugf("Unregistered sink %s", id)
	}
	return ok
}

// Count returns the number of registered sinks.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Frame stamps a frame with the hub clock.
func (h *Hub) Frame(eventType string, data any) Frame {
	return Frame{Type: eventType, Data: data, Timestamp: h.now().UTC()}
}

// Publish delivers the event to every registered sink. A sink that fails is
// dropped; publishing to the others continues.
func (h *Hub) Publish(eventType string, data any) {
	f := h.Frame(eventType, data)

	h.mu.RLock()
	ids := make([]string, 0, len(h.sinks))
	sinks := make([]Sink, 0, len(h.sinks))
	for id, s := range h.sinks {
		ids = append(ids, id)
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	for i, s := range sinks {
		if err := safeSend(s, f); err != nil {
			h.logger.Warningf("Dropping sink %s after %s publish failed: %s", ids[i], eventType, err)
			h.drop(ids[i], s)
		}
	}
}

// drop removes id only if it still maps to s, so a concurrent Unregister and
// re-registration is never undone.
func (h *Hub) drop(id string, s Sink) {
	h.mu.Lock()
	cur, ok := h.sinks[id]
	if ok && cur == s {
		delete(h.sinks, id)
	}
	h.mu.Unlock()
	s.Close()
}

func safeSend(s Sink, f Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Send(f)
}

// ChanSink buffers frames for a consumer goroutine, typically a streaming HTTP handler.
type ChanSink struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

func NewChanSink(buffer int) *ChanSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanSink{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (s *ChanSink) Send(f Frame) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrSinkFull
	}
}

func (s *ChanSink) Close() { s.once.Do(func() { close(s.done) }) }

// Frames yields buffered frames. It is never closed; watch Done.
func (s *ChanSink) Frames() <-chan Frame { return s.frames }

// Done is closed once the sink has been closed or dropped.
func (s *ChanSink) Done() <-chan struct{} { return s.done }
