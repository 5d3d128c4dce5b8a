package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is the engine's current period of activity. Ids are never reused.
type Session struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// NewSessionID returns an id of the form sess_<epoch-ms>_<random>.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("sess_%d_%s", now.UnixMilli(), random)
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// ensureSessionLocked starts a session when none is active, ending a stale
// one first. It returns deliveries forced by ending a session.
func (e *Engine) ensureSessionLocked(now time.Time) []func() {
	var sends []func()
	if e.session != nil && e.session.idleFor(now) > e.cfg.SessionTimeout {
		sends = e.endSessionLocked(now)
	}
	if e.session != nil {
		return sends
	}

	e.session = &Session{
		ID:             e.newSessionID(now),
		StartedAt:      now,
		LastActivityAt: now,
	}
	e.enqueueEventLocked("session_start", map[string]any{"session_id": e.session.ID}, now, true)
	e.logger.Printf("capture: session %s started", e.session.ID)
	return sends
}

// endSessionLocked emits session_end, forces a flush of both queues and
// clears the session identity.
func (e *Engine) endSessionLocked(now time.Time) []func() {
	e.emitSessionEndLocked(now)
	return []func(){e.flushEventsLocked(), e.flushSnapshotsLocked()}
}

func (e *Engine) emitSessionEndLocked(now time.Time) {
	s := e.session
	duration := s.LastActivityAt.Sub(s.StartedAt)
	e.enqueueEventLocked("session_end", map[string]any{
		"session_id": s.ID,
		"duration":   duration.Milliseconds(),
	}, now, true)
	e.session = nil
	e.logger.Printf("capture: session %s ended after %s", s.ID, duration.Round(time.Second))
}

// checkIdle runs on the idle timer and re-arms itself.
func (e *Engine) checkIdle() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var sends []func()
	now := e.sched.Now()
	if e.session != nil && e.session.idleFor(now) > e.cfg.SessionTimeout {
		sends = e.endSessionLocked(now)
	}
	e.idleTimer = e.sched.AfterFunc(e.cfg.IdleCheckInterval, e.checkIdle)
	e.mu.Unlock()

	e.run(sends...)
}
