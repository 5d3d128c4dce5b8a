package models

import "encoding/json"

// Event is a discrete interaction record. Data always carries url, path and
// title of the page the event was captured on.
type Event struct {
	Type      string         `json:"type"`      // click|page_view|identify|session_start|session_end|...
	Timestamp string         `json:"timestamp"` // RFC 3339
	Data      map[string]any `json:"data"`      // arbitrary JSON
}

// SnapshotRecord wraps one opaque recorder payload.
type SnapshotRecord struct {
	Type      string          `json:"type"` // always "snapshot"
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DeviceInfo is read once per engine and attached to every event batch.
type DeviceInfo struct {
	Viewport  Viewport `json:"viewport"`
	Language  string   `json:"language,omitempty"`
	Referrer  string   `json:"referrer,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	Platform  string   `json:"platform,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

type EventBatch struct {
	SDKKey         string         `json:"sdk_key"`
	SessionID      string         `json:"session_id"`
	Events         []Event        `json:"events"`
	DeviceInfo     DeviceInfo     `json:"device_info"`
	UserProperties map[string]any `json:"user_properties"`
}

// SnapshotBatch carries the serialized recorder payloads. Snapshots is kept
// raw because it may arrive as a JSON string, array or tagged byte object.
type SnapshotBatch struct {
	SDKKey        string          `json:"sdk_key"`
	SessionID     string          `json:"session_id"`
	Snapshots     json.RawMessage `json:"snapshots"`
	SnapshotCount int             `json:"snapshot_count"`
}

// SessionSummary is the collector's ledger row for one session.
type SessionSummary struct {
	SessionID      string          `json:"session_id"`
	SDKKey         string          `json:"sdk_key"`
	FirstSeen      int64           `json:"first_seen"` // epoch ms, server clock
	LastSeen       int64           `json:"last_seen"`
	EventCount     int             `json:"event_count"`
	SnapshotCount  int             `json:"snapshot_count"`
	DeviceInfo     json.RawMessage `json:"device_info"`
	UserProperties json.RawMessage `json:"user_properties"`
}
