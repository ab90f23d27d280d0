package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

type Engine struct {
	Store  store.Store
	Events bus.Publisher
	Audit  audit.Recorder
	Config *config.Config
	Now    func() time.Time
	Logger log.Logger
}

func New(s store.Store, events bus.Publisher, cfg *config.Config, logger log.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Noop
	}
	return Engine{
		Store:  s,
		Events: events,
		Audit:  audit.Recorder{Trail: s, Logger: logger},
		Config: cfg,
		Now:    time.Now,
		Logger: logger.WithValues(log.Kv{"svc": "engine"}),
	}
}

// now is UTC at millisecond precision, the resolution every store persists.
func (e Engine) now() time.Time {
	n := time.Now
	if e.Now != nil {
		n = e.Now
	}
	return n().UTC().Truncate(time.Millisecond)
}

func (e Engine) logger() log.Logger {
	if e.Logger == nil {
		return log.Noop
	}
	return e.Logger
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) publish(eventType string, data any) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(eventType, data)
}

// storeErr passes taxonomy errors through and marks everything else as a
// store outage, which callers may retry.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		domain.ErrNotFound, domain.ErrConflict, domain.ErrForbidden, domain.ErrInvalid,
		domain.ErrUnavailable, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
}

const maxSessionKeyLen = 200

func validateSessionKey(sessionKey string) error {
	if strings.TrimSpace(sessionKey) == "" {
		return fmt.Errorf("%w: sessionKey is required", domain.ErrInvalid)
	}
	if len(sessionKey) > maxSessionKeyLen {
		return fmt.Errorf("%w: sessionKey longer than %d characters", domain.ErrInvalid, maxSessionKeyLen)
	}
	return nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID       string
	Title    string
	Assignee string
	Status   domain.Status
	Content  domain.TaskContent
	Actor    string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: title is required", domain.ErrInvalid)
	}
	if opts.Status == "" {
		opts.Status = domain.StatusNew
	}
	if !opts.Status.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalid, opts.Status)
	}
	if opts.Assignee == "" {
		opts.Assignee = e.config().Work.DefaultAssignee
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t, _ := domain.NewTask(id, title, opts.Assignee, opts.Status, e.now())
	t.TaskContent = opts.Content
	if err := e.Store.CreateTask(ctx, t, opts.Actor); err != nil {
		return domain.Task{}, storeErr(err)
	}
	e.publish(bus.TaskCreated, t)
	if t.Status == domain.StatusReady {
		e.publish(bus.TaskReady, t)
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Store.GetTask(ctx, id)
	return t, storeErr(err)
}

func (e Engine) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalid, f.Status)
	}
	ts, err := e.Store.ListTasks(ctx, f)
	return ts, storeErr(err)
}

// TaskUpdateOptions change intake-owned fields; nil fields are left as they are.
type TaskUpdateOptions struct {
	ID       string
	Title    *string
	Assignee *string
	Content  *domain.TaskContent
	Actor    string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, fmt.Errorf("%w: title cannot be empty", domain.ErrInvalid)
	}
	if opts.Assignee != nil && strings.TrimSpace(*opts.Assignee) == "" {
		return domain.Task{}, fmt.Errorf("%w: assignee cannot be empty", domain.ErrInvalid)
	}
	t, err := e.Store.UpdateTask(ctx, opts.ID, store.TaskPatch{Title: opts.Title, Assignee: opts.Assignee, Content: opts.Content}, e.now(), opts.Actor)
	if err != nil {
		return domain.Task{}, storeErr(err)
	}
	e.publish(bus.TaskUpdated, t)
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id, actor string) error {
	if err := e.Store.DeleteTask(ctx, id, e.now(), actor); err != nil {
		return storeErr(err)
	}
	e.publish(bus.TaskDeleted, map[string]string{"id": id})
	return nil
}

// AuditTrail lists audit events, newest first.
func (e Engine) AuditTrail(ctx context.Context, f audit.Filter) ([]domain.AuditEvent, error) {
	evs, err := e.recorder().List(ctx, f)
	return evs, storeErr(err)
}

// PurgeAudit is the administrative deletion of events older than before.
func (e Engine) PurgeAudit(ctx context.Context, before time.Time, actor string) (int64, error) {
	n, err := e.recorder().Purge(ctx, before, actor)
	if err != nil {
		return 0, storeErr(err)
	}
	e.logger().Infof("Purged %d audit events older than %s", n, before.UTC().Format(time.RFC3339))
	return n, nil
}

func (e Engine) recorder() audit.Recorder {
	r := e.Audit
	if r.Trail == nil {
		r.Trail = e.Store
	}
	r.Now = e.now
	return r
}
