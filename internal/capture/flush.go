package capture

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/vincentbai/sessiontrace/internal/clock"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
)

// lane is the flush state of one queue. At most one timer is pending and at
// most one batch is in flight.
type lane struct {
	timer    clock.Timer
	inflight bool
}

func (l *lane) stop() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (e *Engine) armLocked(l *lane, fire func()) {
	if e.closed || l.timer != nil {
		return
	}
	l.timer = e.sched.AfterFunc(e.cfg.FlushInterval, fire)
}

func (e *Engine) scheduleEventsLocked() func() {
	if e.events.Len() == 0 {
		return nil
	}
	if e.countedEventsLocked() >= e.cfg.BatchSize && !e.eventLane.inflight {
		e.eventLane.stop()
		return e.flushEventsLocked()
	}
	e.armLocked(&e.eventLane, e.onEventTimer)
	return nil
}

func (e *Engine) scheduleSnapshotsLocked() func() {
	if e.snapshots.Len() == 0 {
		return nil
	}
	if e.snapshots.Len() >= e.cfg.BatchSize && !e.snapshotLane.inflight {
		e.snapshotLane.stop()
		return e.flushSnapshotsLocked()
	}
	e.armLocked(&e.snapshotLane, e.onSnapshotTimer)
	return nil
}

func (e *Engine) onEventTimer() {
	e.mu.Lock()
	e.eventLane.timer = nil
	send := e.flushEventsLocked()
	if send == nil {
		send = e.scheduleEventsLocked()
	}
	e.mu.Unlock()
	e.run(send)
}

func (e *Engine) onSnapshotTimer() {
	e.mu.Lock()
	e.snapshotLane.timer = nil
	send := e.flushSnapshotsLocked()
	if send == nil {
		send = e.scheduleSnapshotsLocked()
	}
	e.mu.Unlock()
	e.run(send)
}

func (e *Engine) countedEventsLocked() int {
	return e.events.Count(func(p pendingEvent) bool { return !p.lifecycle })
}

// flushEventsLocked takes the next batch off the event queue and returns
// the delivery to run outside the lock. It returns nil when the queue is
// empty or a batch is already in flight. A batch holds up to BatchSize
// tracked events of the head's session plus the lifecycle events among them.
func (e *Engine) flushEventsLocked() func() {
	if e.eventLane.inflight || e.events.Len() == 0 {
		return nil
	}
	head, _ := e.events.Peek()
	counted := 0
	items := e.events.TakeWhile(e.events.Len(), func(p pendingEvent) bool {
		if p.sessionID != head.sessionID {
			return false
		}
		if !p.lifecycle {
			if counted == e.cfg.BatchSize {
				return false
			}
			counted++
		}
		return true
	})
	e.eventLane.inflight = true

	batch := e.eventBatchLocked(head.sessionID, items)
	url := e.cfg.endpoint("/events")
	return func() {
		err := e.send(url, batch)
		e.eventsDelivered(items, err)
	}
}

func (e *Engine) flushSnapshotsLocked() func() {
	if e.snapshotLane.inflight || e.snapshots.Len() == 0 {
		return nil
	}
	head, _ := e.snapshots.Peek()
	items := e.snapshots.TakeWhile(e.cfg.BatchSize, func(p pendingSnapshot) bool {
		return p.sessionID == head.sessionID
	})
	e.snapshotLane.inflight = true

	url := e.cfg.endpoint("/snapshots")
	sdkKey, enc := e.cfg.SDKKey, e.encoding
	return func() {
		batch, err := snapshotBatch(sdkKey, head.sessionID, items, enc)
		if err == nil {
			err = e.send(url, batch)
		}
		e.snapshotsDelivered(items, err)
	}
}

func (e *Engine) send(url string, body any) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	return e.transport.Send(ctx, url, body)
}

func (e *Engine) eventsDelivered(items []pendingEvent, err error) {
	e.mu.Lock()
	e.eventLane.inflight = false
	if err != nil {
		if e.closed {
			e.logger.Printf("capture: dropping %d events after shutdown: %v", len(items), err)
			e.mu.Unlock()
			return
		}
		dropped := e.events.PushFront(items)
		e.logger.Printf("capture: failed to send %d events, requeued: %v", len(items), err)
		if dropped > 0 {
			e.logger.Printf("capture: event queue full, evicted %d", dropped)
		}
		e.armLocked(&e.eventLane, e.onEventTimer)
		e.mu.Unlock()
		return
	}
	next := e.scheduleEventsLocked()
	e.mu.Unlock()
	e.run(next)
}

func (e *Engine) snapshotsDelivered(items []pendingSnapshot, err error) {
	e.mu.Lock()
	e.snapshotLane.inflight = false
	if err != nil {
		if e.closed {
			e.logger.Printf("capture: dropping %d snapshots after shutdown: %v", len(items), err)
			e.mu.Unlock()
			return
		}
		dropped := e.snapshots.PushFront(items)
		e.logger.Printf("capture: failed to send %d snapshots, requeued: %v", len(items), err)
		if dropped > 0 {
			e.logger.Printf("capture: snapshot queue full, evicted %d", dropped)
		}
		e.armLocked(&e.snapshotLane, e.onSnapshotTimer)
		e.mu.Unlock()
		return
	}
	next := e.scheduleSnapshotsLocked()
	e.mu.Unlock()
	e.run(next)
}

func (e *Engine) eventBatchLocked(sessionID string, items []pendingEvent) models.EventBatch {
	events := make([]models.Event, len(items))
	for i, p := range items {
		events[i] = p.event
	}
	return models.EventBatch{
		SDKKey:         e.cfg.SDKKey,
		SessionID:      sessionID,
		Events:         events,
		DeviceInfo:     e.device,
		UserProperties: maps.Clone(e.userProperties),
	}
}

func snapshotBatch(sdkKey, sessionID string, items []pendingSnapshot, enc snapshot.Encoding) (models.SnapshotBatch, error) {
	payloads := make([]json.RawMessage, len(items))
	for i, p := range items {
		payloads[i] = p.record.Data
	}
	encoded, err := snapshot.Encode(payloads, enc)
	if err != nil {
		return models.SnapshotBatch{}, err
	}
	return models.SnapshotBatch{
		SDKKey:        sdkKey,
		SessionID:     sessionID,
		Snapshots:     encoded,
		SnapshotCount: len(items),
	}, nil
}
