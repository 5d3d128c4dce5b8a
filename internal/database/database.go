package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

var (
	ErrInvalidEvent    = errors.New("invalid event")
	ErrSessionNotFound = errors.New("session not found")
)

type Database struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events(
	  id         INTEGER PRIMARY KEY,
	  session_id TEXT    NOT NULL,
	  ts_utc     INTEGER NOT NULL,
	  ts_iso     TEXT    NOT NULL,
	  url        TEXT    NOT NULL,
	  path       TEXT,
	  title      TEXT,
	  type       TEXT    NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts_utc);
	CREATE INDEX IF NOT EXISTS idx_events_type    ON events(type);

	CREATE TABLE IF NOT EXISTS snapshot_events(
	  id         INTEGER PRIMARY KEY,
	  session_id TEXT    NOT NULL,
	  seq        INTEGER NOT NULL,
	  ts_utc     INTEGER NOT NULL,
	  type       INTEGER NOT NULL,
	  data_json  TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_snapshot_events_session ON snapshot_events(session_id, id);

	CREATE TABLE IF NOT EXISTS sessions(
	  session_id     TEXT PRIMARY KEY,
	  sdk_key        TEXT    NOT NULL,
	  first_seen     INTEGER NOT NULL,
	  last_seen      INTEGER NOT NULL,
	  event_count    INTEGER NOT NULL DEFAULT 0,
	  snapshot_count INTEGER NOT NULL DEFAULT 0,
	  device_json    TEXT    NOT NULL DEFAULT '{}' CHECK (json_valid(device_json)),
	  user_json      TEXT    NOT NULL DEFAULT '{}' CHECK (json_valid(user_json))
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable.
func (d *Database) Ping() error {
	return d.db.Ping()
}

func (d *Database) ValidateEvent(event models.Event) error {
	if strings.TrimSpace(event.Type) == "" {
		return fmt.Errorf("%w: type cannot be empty", ErrInvalidEvent)
	}
	if _, err := time.Parse(time.RFC3339, event.Timestamp); err != nil {
		return fmt.Errorf("%w: timestamp %q is not RFC 3339", ErrInvalidEvent, event.Timestamp)
	}
	return nil
}

// ValidateBatch checks the batch envelope and every event in it.
func (d *Database) ValidateBatch(batch models.EventBatch) error {
	if batch.SDKKey == "" {
		return fmt.Errorf("%w: sdk_key cannot be empty", ErrInvalidEvent)
	}
	if batch.SessionID == "" {
		return fmt.Errorf("%w: session_id cannot be empty", ErrInvalidEvent)
	}
	for i, event := range batch.Events {
		if err := d.ValidateEvent(event); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

// InsertEventBatch stores every event of the batch and updates the session
// ledger in one transaction.
func (d *Database) InsertEventBatch(batch models.EventBatch) error {
	if err := d.ValidateBatch(batch); err != nil {
		return err
	}

	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.Prepare(`INSERT INTO events(session_id, ts_utc, ts_iso, url, path, title, type, data_json) VALUES(?,?,?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range batch.Events {
		ts, _ := time.Parse(time.RFC3339, event.Timestamp)
		jsonData, err := json.Marshal(event.Data)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		if event.Data == nil {
			jsonData = []byte("{}")
		}
		_, err = statement.Exec(batch.SessionID, ts.UnixMilli(), event.Timestamp,
			dataString(event.Data, "url"), dataString(event.Data, "path"), dataString(event.Data, "title"),
			event.Type, string(jsonData))
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	device, err := json.Marshal(batch.DeviceInfo)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to marshal device info: %w", err)
	}
	user := []byte("{}")
	if batch.UserProperties != nil {
		if user, err = json.Marshal(batch.UserProperties); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal user properties: %w", err)
		}
	}
	seen := d.now().UnixMilli()
	_, err = transaction.Exec(`
	INSERT INTO sessions(session_id, sdk_key, first_seen, last_seen, event_count, device_json, user_json)
	VALUES(?,?,?,?,?,json(?),json(?))
	ON CONFLICT(session_id) DO UPDATE SET
	  last_seen   = max(last_seen, excluded.last_seen),
	  event_count = event_count + excluded.event_count,
	  device_json = excluded.device_json,
	  user_json   = excluded.user_json`,
		batch.SessionID, batch.SDKKey, seen, seen, len(batch.Events), string(device), string(user))
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertSnapshotEvents stores decoded recorder events in order. seq
// continues from the events already stored for the session.
func (d *Database) InsertSnapshotEvents(sdkKey, sessionID string, events []snapshot.Event) error {
	if sdkKey == "" || sessionID == "" {
		return fmt.Errorf("%w: sdk_key and session_id are required", ErrInvalidEvent)
	}

	transaction, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var next int64
	if err := transaction.QueryRow(`SELECT COALESCE(MAX(seq) + 1, 0) FROM snapshot_events WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to read snapshot sequence: %w", err)
	}

	statement, err := transaction.Prepare(`INSERT INTO snapshot_events(session_id, seq, ts_utc, type, data_json) VALUES(?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for i, event := range events {
		jsonData, err := json.Marshal(event)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal snapshot event: %w", err)
		}
		_, err = statement.Exec(sessionID, next+int64(i), number(event["timestamp"]), number(event["type"]), string(jsonData))
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}

	seen := d.now().UnixMilli()
	_, err = transaction.Exec(`
	INSERT INTO sessions(session_id, sdk_key, first_seen, last_seen, snapshot_count)
	VALUES(?,?,?,?,?)
	ON CONFLICT(session_id) DO UPDATE SET
	  last_seen      = max(last_seen, excluded.last_seen),
	  snapshot_count = snapshot_count + excluded.snapshot_count`,
		sessionID, sdkKey, seen, seen, len(events))
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (d *Database) GetSession(sessionID string) (*models.SessionSummary, error) {
	var s models.SessionSummary
	var device, user string
	err := d.db.QueryRow(`
	SELECT session_id, sdk_key, first_seen, last_seen, event_count, snapshot_count, device_json, user_json
	FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.SDKKey, &s.FirstSeen, &s.LastSeen, &s.EventCount, &s.SnapshotCount, &device, &user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	s.DeviceInfo = json.RawMessage(device)
	s.UserProperties = json.RawMessage(user)
	return &s, nil
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// number reads a numeric JSON field as an integer, or zero.
func number(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil && !math.IsInf(f, 0) {
			return int64(f)
		}
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}
