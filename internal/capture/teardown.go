package capture

// Flush delivers the head batch of both queues now through the normal
// transport, without waiting for the flush timers.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.disabled != nil || e.closed {
		e.mu.Unlock()
		return
	}
	e.eventLane.stop()
	e.snapshotLane.stop()
	sends := []func(){e.flushEventsLocked(), e.flushSnapshotsLocked()}
	if sends[0] == nil && e.events.Len() > 0 {
		e.armLocked(&e.eventLane, e.onEventTimer)
	}
	if sends[1] == nil && e.snapshots.Len() > 0 {
		e.armLocked(&e.snapshotLane, e.onSnapshotTimer)
	}
	e.mu.Unlock()

	e.run(sends...)
}

// OnHidden is the hook for the page becoming hidden. The page may be
// discarded without an unload, so queued data is pushed out right away.
func (e *Engine) OnHidden() {
	e.Flush()
}

// Teardown is the unload hook. It ends the active session, drains both
// queues and hands every batch to the beacon. Nothing is re-enqueued and
// the engine ignores all later calls.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.disabled != nil || e.closed {
		e.mu.Unlock()
		return
	}
	if e.session != nil {
		e.emitSessionEndLocked(e.sched.Now())
	}
	e.closed = true
	e.eventLane.stop()
	e.snapshotLane.stop()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}

	var eventBatches []any
	for _, items := range splitBatches(e.events.Drain(), e.cfg.BatchSize, func(p pendingEvent) string { return p.sessionID }) {
		eventBatches = append(eventBatches, e.eventBatchLocked(items[0].sessionID, items))
	}
	snapshotGroups := splitBatches(e.snapshots.Drain(), e.cfg.BatchSize, func(p pendingSnapshot) string { return p.sessionID })
	sdkKey, enc := e.cfg.SDKKey, e.encoding
	e.mu.Unlock()

	eventsURL := e.cfg.endpoint("/events")
	for _, batch := range eventBatches {
		if !e.beacon.SendBeacon(eventsURL, batch) {
			e.logger.Printf("capture: beacon refused event batch")
		}
	}
	snapshotsURL := e.cfg.endpoint("/snapshots")
	for _, items := range snapshotGroups {
		batch, err := snapshotBatch(sdkKey, items[0].sessionID, items, enc)
		if err != nil {
			e.logger.Printf("capture: dropping %d snapshots on teardown: %v", len(items), err)
			continue
		}
		if !e.beacon.SendBeacon(snapshotsURL, batch) {
			e.logger.Printf("capture: beacon refused snapshot batch")
		}
	}
}

// splitBatches cuts items into runs of at most size that share one key.
func splitBatches[T any](items []T, size int, key func(T) string) [][]T {
	var out [][]T
	for start := 0; start < len(items); {
		end := start + 1
		for end < len(items) && end-start < size && key(items[end]) == key(items[start]) {
			end++
		}
		out = append(out, items[start:end])
		start = end
	}
	return out
}
