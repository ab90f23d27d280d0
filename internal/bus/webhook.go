package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBuffer  = 256
)

type WebhookConfig struct {
	URL     string
	Events  []string
	Secret  string
	Timeout time.Duration
	Buffer  int
	Client  *http.Client
	Logger  log.Logger
}

// WebhookSink queues frames and POSTs them to a URL from Run. Delivery
// failures are logged; only a full queue fails Send.
type WebhookSink struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client
	queue  chan Frame
	done   chan struct{}
	once   sync.Once
	logger log.Logger
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultWebhookBuffer
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Noop
	}
	return &WebhookSink{
		url:    cfg.URL,
		secret: cfg.Secret,
		filter: newEventFilter(cfg.Events),
		client: cfg.Client,
		queue:  make(chan Frame, cfg.Buffer),
		done:   make(chan struct{}),
		logger: cfg.Logger.WithValues(log.Kv{"svc": "bus.Webhook", "url": cfg.URL}),
	}
}

func (w *WebhookSink) Send(f Frame) error {
	if !w.filter.match(f.Type) {
		return nil
	}
	select {
	case <-w.done:
		return ErrSinkClosed
	default:
	}
	select {
	case w.queue <- f:
		return nil
	default:
		return ErrSinkFull
	}
}

func (w *WebhookSink) Close() { w.once.Do(func() { close(w.done) }) }

// Run delivers queued frames until ctx is done. A closed sink stops
// delivering but Run still waits for ctx so it can live in a run group.
func (w *WebhookSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			<-ctx.Done()
			return nil
		case f := <-w.queue:
			if err := w.post(ctx, f); err != nil {
				w.logger.Warningf("Webhook delivery of %s failed: %s", f.Type, err)
			}
		}
	}
}

func (w *WebhookSink) post(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mission-Control-Event", f.Type)
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Mission-Control-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(eventType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[eventType]
	return ok
}
