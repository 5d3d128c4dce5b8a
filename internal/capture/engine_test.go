package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/vincentbai/sessiontrace/internal/clock"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
)

type fakeTransport struct {
	mu       sync.Mutex
	failing  bool
	attempts int
	urls     []string
	events   []models.EventBatch
	snaps    []models.SnapshotBatch
}

func (f *fakeTransport) Send(_ context.Context, url string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failing {
		return errors.New("network down")
	}
	f.urls = append(f.urls, url)
	switch b := body.(type) {
	case models.EventBatch:
		f.events = append(f.events, b)
	case models.SnapshotBatch:
		f.snaps = append(f.snaps, b)
	}
	return nil
}

func (f *fakeTransport) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type fakeBeacon struct {
	urls   []string
	bodies []any
}

func (f *fakeBeacon) SendBeacon(url string, body any) bool {
	f.urls = append(f.urls, url)
	f.bodies = append(f.bodies, body)
	return true
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		APIURL:            "https://collector.test/",
		SDKKey:            "sdk_test",
		BatchSize:         10,
		FlushInterval:     5 * time.Second,
		SessionTimeout:    30 * time.Minute,
		MaxQueueSize:      1000,
		SnapshotEncoding:  "json",
		IdleCheckInterval: time.Minute,
	}
}

func setupTestEngine(t *testing.T, cfg Config) (*Engine, *clock.ManualScheduler, *fakeTransport, *fakeBeacon) {
	t.Helper()

	sched := clock.NewManualScheduler(testStart)
	tr := &fakeTransport{}
	beacon := &fakeBeacon{}
	n := 0
	e := New(cfg,
		WithScheduler(sched),
		WithTransport(tr),
		WithBeacon(beacon),
		WithLogger(log.New(io.Discard, "", 0)),
		WithDispatch(func(f func()) { f() }),
		WithPage(func() Page {
			return Page{URL: "https://shop.test/cart?step=2", Path: "/cart", Title: "Cart"}
		}),
		WithSessionIDs(func(time.Time) string {
			n++
			return fmt.Sprintf("sess_test_%d", n)
		}),
	)
	return e, sched, tr, beacon
}

func eventTypes(events []models.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTrackFlushesAtBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	e, sched, tr, _ := setupTestEngine(t, cfg)

	e.Track("click", map[string]any{"x": 10, "y": 20})
	if len(tr.events) != 0 {
		t.Fatalf("Expected no flush below batch size, got %d flushes", len(tr.events))
	}
	e.Track("click", map[string]any{"x": 10, "y": 20})

	if len(tr.events) != 1 {
		t.Fatalf("Expected exactly one flush, got %d", len(tr.events))
	}
	batch := tr.events[0]
	if got := eventTypes(batch.Events); !equalStrings(got, []string{"session_start", "click", "click"}) {
		t.Fatalf("Expected session_start and both clicks, got %v", got)
	}
	for _, ev := range batch.Events[1:] {
		if ev.Data["x"] != 10 || ev.Data["y"] != 20 {
			t.Errorf("Caller data lost: %v", ev.Data)
		}
		if ev.Data["url"] != "https://shop.test/cart?step=2" || ev.Data["path"] != "/cart" || ev.Data["title"] != "Cart" {
			t.Errorf("Page data not merged: %v", ev.Data)
		}
		if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
			t.Errorf("Timestamp %q is not RFC 3339: %v", ev.Timestamp, err)
		}
	}
	if batch.SDKKey != "sdk_test" || batch.SessionID != "sess_test_1" {
		t.Errorf("Unexpected batch envelope: %+v", batch)
	}
	if tr.urls[0] != "https://collector.test/events" {
		t.Errorf("Expected events endpoint, got %s", tr.urls[0])
	}

	sched.Advance(cfg.FlushInterval)
	if len(tr.events) != 1 {
		t.Errorf("Expected no further flush, got %d", len(tr.events))
	}
	if got := sched.Pending(); got != 1 {
		t.Errorf("Expected only the idle timer, got %d pending", got)
	}
}

func TestLifecycleEventsRideAlong(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	e, sched, tr, _ := setupTestEngine(t, cfg)

	e.Track("a", nil)
	e.Track("b", nil)
	e.Track("c", nil)
	sched.Advance(31 * time.Minute)

	if len(tr.events) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(tr.events))
	}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, []string{"session_start", "a", "b"}) {
		t.Errorf("First batch = %v", got)
	}
	if got := eventTypes(tr.events[1].Events); !equalStrings(got, []string{"c", "session_end"}) {
		t.Errorf("Second batch = %v", got)
	}
}

func TestTrackDebouncesFlushTimer(t *testing.T) {
	e, sched, tr, _ := setupTestEngine(t, testConfig())

	for i := 0; i < 3; i++ {
		e.Track("scroll", map[string]any{"i": i})
		sched.Advance(time.Second)
	}
	// idle check plus a single flush timer
	if got := sched.Pending(); got != 2 {
		t.Fatalf("Expected 2 pending timers, got %d", got)
	}
	if len(tr.events) != 0 {
		t.Fatalf("Expected no flush yet, got %d", len(tr.events))
	}

	sched.Advance(2 * time.Second)
	if len(tr.events) != 1 {
		t.Fatalf("Expected 1 flush, got %d", len(tr.events))
	}
	want := []string{"session_start", "scroll", "scroll", "scroll"}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if got := sched.Pending(); got != 1 {
		t.Errorf("Expected only the idle timer after flush, got %d", got)
	}
}

func TestRetryOrdering(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 3
	e, sched, tr, _ := setupTestEngine(t, cfg)

	tr.setFailing(true)
	e.Track("a", nil)
	e.Track("b", nil)
	e.Track("c", nil)
	if tr.attempts != 1 {
		t.Fatalf("Expected 1 failed attempt, got %d", tr.attempts)
	}
	if got := e.Stats().QueuedEvents; got != 4 {
		t.Fatalf("Expected failed batch back in queue, got %d queued", got)
	}

	tr.setFailing(false)
	e.Track("d", nil)
	sched.Advance(cfg.FlushInterval)
	sched.Advance(cfg.FlushInterval)

	if len(tr.events) != 2 {
		t.Fatalf("Expected 2 delivered batches, got %d", len(tr.events))
	}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, []string{"session_start", "a", "b", "c"}) {
		t.Errorf("Retried items not delivered first: %v", got)
	}
	if got := eventTypes(tr.events[1].Events); !equalStrings(got, []string{"d"}) {
		t.Errorf("Expected [d] second, got %v", got)
	}
}

func TestQueueBound(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.MaxQueueSize = 5
	e, _, tr, _ := setupTestEngine(t, cfg)

	for i := 0; i < 7; i++ {
		e.Track(fmt.Sprintf("e%d", i), nil)
	}

	stats := e.Stats()
	if stats.QueuedEvents != 5 {
		t.Fatalf("Expected queue at capacity 5, got %d", stats.QueuedEvents)
	}
	if stats.DroppedEvents != 3 {
		t.Errorf("Expected 3 evictions, got %d", stats.DroppedEvents)
	}
	if tr.attempts != 0 {
		t.Errorf("Expected no sends, got %d", tr.attempts)
	}

	e.Flush()
	want := []string{"e2", "e3", "e4", "e5", "e6"}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, want) {
		t.Errorf("Expected newest items %v, got %v", want, got)
	}
}

func TestSessionBoundary(t *testing.T) {
	e, sched, tr, _ := setupTestEngine(t, testConfig())

	e.Track("click", nil)
	first, ok := e.Session()
	if !ok {
		t.Fatal("Expected an active session after Track")
	}

	sched.Advance(31 * time.Minute)
	if _, ok := e.Session(); ok {
		t.Fatal("Expected session to end after idle timeout")
	}

	var end *models.Event
	for _, b := range tr.events {
		for i := range b.Events {
			if b.Events[i].Type == "session_end" {
				end = &b.Events[i]
			}
		}
	}
	if end == nil {
		t.Fatal("Expected a flushed session_end event")
	}
	if end.Data["session_id"] != first.ID {
		t.Errorf("session_end for %v, want %s", end.Data["session_id"], first.ID)
	}
	if _, ok := end.Data["duration"].(int64); !ok {
		t.Errorf("Expected integer duration, got %T", end.Data["duration"])
	}

	e.Track("click", nil)
	second, ok := e.Session()
	if !ok {
		t.Fatal("Expected a new session")
	}
	if second.ID == first.ID {
		t.Errorf("Session id %s was reused", second.ID)
	}
}

func TestSessionStaysActiveWithinTimeout(t *testing.T) {
	e, sched, _, _ := setupTestEngine(t, testConfig())

	e.Track("click", nil)
	first, _ := e.Session()
	for i := 0; i < 5; i++ {
		sched.Advance(20 * time.Minute)
		e.Track("click", nil)
	}
	current, ok := e.Session()
	if !ok || current.ID != first.ID {
		t.Errorf("Expected session %s to survive, got %+v", first.ID, current)
	}
}

func TestBatchNeverMixesSessions(t *testing.T) {
	e, sched, tr, _ := setupTestEngine(t, testConfig())

	tr.setFailing(true)
	e.Track("a", nil)
	sched.Advance(31 * time.Minute)
	e.Track("b", nil)

	tr.setFailing(false)
	sched.Advance(5 * time.Second)
	sched.Advance(5 * time.Second)

	if len(tr.events) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(tr.events))
	}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, []string{"session_start", "a", "session_end"}) {
		t.Errorf("First batch = %v", got)
	}
	if got := eventTypes(tr.events[1].Events); !equalStrings(got, []string{"session_start", "b"}) {
		t.Errorf("Second batch = %v", got)
	}
	if tr.events[0].SessionID == tr.events[1].SessionID {
		t.Errorf("Both batches carry session %s", tr.events[0].SessionID)
	}
}

func TestMissingConfigDisablesEngine(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing api url", func(c *Config) { c.APIURL = "" }, ErrMissingAPIURL},
		{"missing sdk key", func(c *Config) { c.SDKKey = " " }, ErrMissingSDKKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			e, sched, tr, beacon := setupTestEngine(t, cfg)

			if !errors.Is(e.Err(), tt.wantErr) {
				t.Fatalf("Err() = %v, want %v", e.Err(), tt.wantErr)
			}
			e.Track("click", nil)
			e.CaptureSnapshot(map[string]any{"type": 2})
			e.Flush()
			e.Teardown()
			sched.Advance(time.Hour)

			if tr.attempts != 0 || len(beacon.bodies) != 0 {
				t.Errorf("Disabled engine sent data")
			}
			if s := e.Stats(); s.Enabled || s.QueuedEvents != 0 {
				t.Errorf("Unexpected stats %+v", s)
			}
		})
	}
}

func TestUnknownEncodingDisablesEngine(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotEncoding = "brotli"
	e, _, _, _ := setupTestEngine(t, cfg)
	if e.Err() == nil {
		t.Fatal("Expected unknown encoding to disable the engine")
	}
}

func TestSnapshotBatchesDecode(t *testing.T) {
	for _, enc := range []string{"json", "gzip", "gzip-buffer", "lz"} {
		t.Run(enc, func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = 2
			cfg.SnapshotEncoding = enc
			e, _, tr, _ := setupTestEngine(t, cfg)

			e.CaptureSnapshot(map[string]any{"type": 2, "data": map[string]any{"node": 1}})
			e.CaptureSnapshot([]byte(`{"type":3,"data":{"source":1}}`))

			if len(tr.snaps) != 1 {
				t.Fatalf("Expected 1 snapshot batch, got %d", len(tr.snaps))
			}
			batch := tr.snaps[0]
			if batch.SnapshotCount != 2 {
				t.Errorf("snapshot_count = %d", batch.SnapshotCount)
			}
			events, err := snapshot.Decode(snapshot.FromRaw(batch.Snapshots))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(events) != 2 {
				t.Fatalf("Expected 2 decoded events, got %d", len(events))
			}
			if tr.urls[0] != "https://collector.test/snapshots" {
				t.Errorf("Expected snapshots endpoint, got %s", tr.urls[0])
			}
		})
	}
}

func TestSnapshotsEnsureSession(t *testing.T) {
	e, _, _, _ := setupTestEngine(t, testConfig())
	e.CaptureSnapshot(map[string]any{"type": 4})
	s := e.Stats()
	if s.SessionID == "" || s.QueuedSnapshots != 1 || s.QueuedEvents != 1 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestIdentifyAttachesUserProperties(t *testing.T) {
	e, _, tr, _ := setupTestEngine(t, testConfig())

	e.Identify("user_42", map[string]any{"plan": "pro"})
	e.Track("click", nil)
	e.Flush()

	if len(tr.events) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(tr.events))
	}
	props := tr.events[0].UserProperties
	if props["user_id"] != "user_42" || props["plan"] != "pro" {
		t.Errorf("user_properties = %v", props)
	}
	want := []string{"session_start", "identify", "click"}
	if got := eventTypes(tr.events[0].Events); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestOnHiddenFlushesBothQueues(t *testing.T) {
	e, sched, tr, _ := setupTestEngine(t, testConfig())

	e.Track("click", nil)
	e.CaptureSnapshot(map[string]any{"type": 2})
	e.OnHidden()

	if len(tr.events) != 1 || len(tr.snaps) != 1 {
		t.Fatalf("Expected both queues flushed, got %d event and %d snapshot batches", len(tr.events), len(tr.snaps))
	}
	if got := sched.Pending(); got != 1 {
		t.Errorf("Expected only the idle timer, got %d pending", got)
	}
}

func TestTeardownUsesBeacon(t *testing.T) {
	e, sched, tr, beacon := setupTestEngine(t, testConfig())

	for i := 0; i < 3; i++ {
		e.Track("click", nil)
	}
	e.CaptureSnapshot(map[string]any{"type": 2})
	e.Teardown()

	if tr.attempts != 0 {
		t.Errorf("Teardown used the regular transport")
	}
	if len(beacon.bodies) != 2 {
		t.Fatalf("Expected 2 beacons, got %d", len(beacon.bodies))
	}
	events, ok := beacon.bodies[0].(models.EventBatch)
	if !ok {
		t.Fatalf("First beacon is %T", beacon.bodies[0])
	}
	want := []string{"session_start", "click", "click", "click", "session_end"}
	if got := eventTypes(events.Events); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if _, ok := beacon.bodies[1].(models.SnapshotBatch); !ok {
		t.Errorf("Second beacon is %T", beacon.bodies[1])
	}
	if beacon.urls[1] != "https://collector.test/snapshots" {
		t.Errorf("Unexpected beacon url %s", beacon.urls[1])
	}

	if got := sched.Pending(); got != 0 {
		t.Errorf("Expected all timers stopped, got %d", got)
	}
	e.Track("click", nil)
	if s := e.Stats(); s.QueuedEvents != 0 || s.Enabled {
		t.Errorf("Engine still accepting events after teardown: %+v", s)
	}
}

func TestSplitBatches(t *testing.T) {
	key := func(s string) string { return s[:1] }
	got := splitBatches([]string{"a1", "a2", "a3", "b1", "a4"}, 2, key)
	want := [][]string{{"a1", "a2"}, {"a3"}, {"b1"}, {"a4"}}
	if len(got) != len(want) {
		t.Fatalf("Expected %d groups, got %v", len(want), got)
	}
	for i := range want {
		if !equalStrings(got[i], want[i]) {
			t.Errorf("group %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNewSessionIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^sess_1709294400000_[0-9a-f]{9}$`)
	a, b := NewSessionID(testStart), NewSessionID(testStart)
	if !re.MatchString(a) {
		t.Errorf("Unexpected session id %q", a)
	}
	if a == b {
		t.Errorf("Expected distinct ids, got %q twice", a)
	}
}
