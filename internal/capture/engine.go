// Package capture is the client-side recorder engine: it buffers interaction
// events and snapshot payloads, flushes them in batches to the collection
// endpoint, re-queues failed batches and tracks session lifecycle.
//
// Public methods never block on the network. Deliveries run through the
// dispatcher (a goroutine by default) and only touch internal state.
package capture

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/vincentbai/sessiontrace/internal/clock"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/queue"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
	"github.com/vincentbai/sessiontrace/internal/transport"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Page is the current location merged into every event.
type Page struct {
	URL   string
	Path  string
	Title string
}

// Transport delivers one batch and reports whether it succeeded.
type Transport interface {
	Send(ctx context.Context, url string, body any) error
}

// Beacon queues a request that must survive teardown. It reports whether
// the body was accepted.
type Beacon interface {
	SendBeacon(url string, body any) bool
}

type Option func(*Engine)

func WithScheduler(s clock.Scheduler) Option { return func(e *Engine) { e.sched = s } }

func WithTransport(t Transport) Option { return func(e *Engine) { e.transport = t } }

func WithBeacon(b Beacon) Option { return func(e *Engine) { e.beacon = b } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPage sets the provider consulted at enqueue time for url/path/title.
func WithPage(f func() Page) Option { return func(e *Engine) { e.page = f } }

// WithDevice sets the environment descriptor attached to every event batch.
func WithDevice(d models.DeviceInfo) Option { return func(e *Engine) { e.device = d } }

// WithDispatch replaces how deliveries are started. Tests pass a function
// that runs them inline.
func WithDispatch(f func(func())) Option { return func(e *Engine) { e.dispatch = f } }

func WithSessionIDs(f func(time.Time) string) Option { return func(e *Engine) { e.newSessionID = f } }

// pendingEvent is a queued event. Lifecycle events ride along with the next
// batch but do not count toward BatchSize.
type pendingEvent struct {
	sessionID string
	event     models.Event
	lifecycle bool
}

type pendingSnapshot struct {
	sessionID string
	record    models.SnapshotRecord
}

// Engine owns the queues, timers and session of one page or process.
type Engine struct {
	mu sync.Mutex

	cfg          Config
	disabled     error
	encoding     snapshot.Encoding
	sched        clock.Scheduler
	transport    Transport
	beacon       Beacon
	logger       *log.Logger
	page         func() Page
	device       models.DeviceInfo
	dispatch     func(func())
	newSessionID func(time.Time) string

	session        *Session
	userProperties map[string]any

	events       *queue.Queue[pendingEvent]
	snapshots    *queue.Queue[pendingSnapshot]
	eventLane    lane
	snapshotLane lane
	idleTimer    clock.Timer
	closed       bool
}

// New builds an engine. A configuration error does not fail construction:
// the engine logs it once and every capture call becomes a no-op.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		cfg:            cfg,
		sched:          clock.NewRealScheduler(),
		logger:         log.Default(),
		page:           func() Page { return Page{} },
		dispatch:       func(f func()) { go f() },
		newSessionID:   NewSessionID,
		userProperties: map[string]any{},
		events:         queue.New[pendingEvent](cfg.MaxQueueSize),
		snapshots:      queue.New[pendingSnapshot](cfg.MaxQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = transport.NewHTTP(cfg.RequestTimeout)
	}
	if e.beacon == nil {
		e.beacon = transport.NewBeacon(cfg.RequestTimeout, cfg.BeaconMaxBytes, e.logger)
	}

	if err := cfg.Validate(); err != nil {
		e.disabled = err
		e.logger.Printf("capture: disabled, tracking is a no-op: %v", err)
		return e
	}
	enc, err := snapshot.ParseEncoding(cfg.SnapshotEncoding)
	if err != nil {
		e.disabled = err
		e.logger.Printf("capture: disabled, tracking is a no-op: %v", err)
		return e
	}
	e.encoding = enc
	e.idleTimer = e.sched.AfterFunc(cfg.IdleCheckInterval, e.checkIdle)
	return e
}

// Err reports the configuration error that disabled the engine, if any.
func (e *Engine) Err() error {
	return e.disabled
}

// Track enqueues an event, starting a session first when none is active.
func (e *Engine) Track(eventType string, data map[string]any) {
	e.mu.Lock()
	if e.disabled != nil || e.closed {
		e.mu.Unlock()
		return
	}
	now := e.sched.Now()
	sends := e.ensureSessionLocked(now)
	e.enqueueEventLocked(eventType, data, now, false)
	e.session.LastActivityAt = now
	sends = append(sends, e.scheduleEventsLocked())
	e.mu.Unlock()

	e.run(sends...)
}

// Page tracks a page_view for the current location.
func (e *Engine) Page() {
	e.Track("page_view", map[string]any{"referrer": e.device.Referrer})
}

// Identify attaches user properties to every following event batch and
// tracks an identify event.
func (e *Engine) Identify(userID string, props map[string]any) {
	e.mu.Lock()
	if e.disabled != nil || e.closed {
		e.mu.Unlock()
		return
	}
	for k, v := range props {
		e.userProperties[k] = v
	}
	e.userProperties["user_id"] = userID
	e.mu.Unlock()

	e.Track("identify", map[string]any{"user_id": userID})
}

// CaptureSnapshot enqueues one opaque recorder payload. Payloads that are
// not json.RawMessage or []byte are marshaled at capture time.
func (e *Engine) CaptureSnapshot(payload any) {
	raw, err := toRaw(payload)
	if err != nil {
		e.logger.Printf("capture: dropping snapshot: %v", err)
		return
	}

	e.mu.Lock()
	if e.disabled != nil || e.closed {
		e.mu.Unlock()
		return
	}
	now := e.sched.Now()
	sends := e.ensureSessionLocked(now)
	record := models.SnapshotRecord{Type: "snapshot", Timestamp: now.UnixMilli(), Data: raw}
	if dropped := e.snapshots.Push(pendingSnapshot{sessionID: e.session.ID, record: record}); dropped > 0 {
		e.logger.Printf("capture: snapshot queue full, evicted %d", dropped)
	}
	sends = append(sends, e.scheduleSnapshotsLocked())
	e.mu.Unlock()

	e.run(sends...)
}

// Stats is a point-in-time view of engine state.
type Stats struct {
	Enabled          bool
	SessionID        string
	QueuedEvents     int
	QueuedSnapshots  int
	DroppedEvents    int
	DroppedSnapshots int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		Enabled:          e.disabled == nil && !e.closed,
		QueuedEvents:     e.events.Len(),
		QueuedSnapshots:  e.snapshots.Len(),
		DroppedEvents:    e.events.Dropped(),
		DroppedSnapshots: e.snapshots.Dropped(),
	}
	if e.session != nil {
		s.SessionID = e.session.ID
	}
	return s
}

// Session returns a copy of the active session.
func (e *Engine) Session() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Session{}, false
	}
	return *e.session, true
}

func (e *Engine) enqueueEventLocked(eventType string, data map[string]any, now time.Time, lifecycle bool) {
	merged := make(map[string]any, len(data)+3)
	for k, v := range data {
		merged[k] = v
	}
	p := e.page()
	merged["url"] = p.URL
	merged["path"] = p.Path
	merged["title"] = p.Title

	event := models.Event{
		Type:      eventType,
		Timestamp: now.UTC().Format(isoMillis),
		Data:      merged,
	}
	if dropped := e.events.Push(pendingEvent{sessionID: e.session.ID, event: event, lifecycle: lifecycle}); dropped > 0 {
		e.logger.Printf("capture: event queue full, evicted %d", dropped)
	}
}

func (e *Engine) run(sends ...func()) {
	for _, send := range sends {
		if send != nil {
			e.dispatch(send)
		}
	}
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if json.Valid(p) {
			return append(json.RawMessage(nil), p...), nil
		}
	case []byte:
		if json.Valid(p) {
			return append(json.RawMessage(nil), p...), nil
		}
	}
	return json.Marshal(payload)
}
