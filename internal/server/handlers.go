package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/kafka-go"

	"github.com/vincentbai/sessiontrace/internal/database"
	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
)

// envelope is the Kafka message for a stored batch.
type envelope struct {
	Source     string `json:"source"` // events|snapshots
	SDKKey     string `json:"sdk_key"`
	SessionID  string `json:"session_id"`
	ReceivedAt string `json:"received_at"`
	Events     any    `json:"events"`
}

// deadLetter carries decode diagnostics, never the payload.
type deadLetter struct {
	Error      string                  `json:"error"`
	SDKKey     string                  `json:"sdk_key"`
	SessionID  string                  `json:"session_id"`
	ReceivedAt string                  `json:"received_at"`
	Failure    *snapshot.DecodeFailure `json:"failure"`
	Object     string                  `json:"object,omitempty"`
}

// decodeBody reads a JSON request body within the size limit and writes the
// error response itself when it fails.
func (s *Server) decodeBody(w http.ResponseWriter, request *http.Request, v any) bool {
	request.Body = http.MaxBytesReader(w, request.Body, s.maxBodyBytes)
	if err := json.NewDecoder(request.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Body exceeds %s", humanize.IBytes(uint64(tooLarge.Limit))), http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch models.EventBatch
	if !s.decodeBody(w, request, &batch) {
		return
	}
	if len(batch.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.db.InsertEventBatch(batch); err != nil {
		if errors.Is(err, database.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("Database error: %v", err)
		http.Error(w, "Failed to store events", http.StatusInternalServerError)
		return
	}

	s.forward(request.Context(), envelope{
		Source:    "events",
		SDKKey:    batch.SDKKey,
		SessionID: batch.SessionID,
		Events:    batch.Events,
	})
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) handleSnapshots(w http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var batch models.SnapshotBatch
	if !s.decodeBody(w, request, &batch) {
		return
	}
	if batch.SDKKey == "" || batch.SessionID == "" {
		http.Error(w, "sdk_key and session_id are required", http.StatusBadRequest)
		return
	}

	events, err := snapshot.Decode(snapshot.FromRaw(batch.Snapshots))
	if err != nil {
		s.reject(request.Context(), batch, err)
		http.Error(w, "Unrecognized snapshot encoding", http.StatusUnprocessableEntity)
		return
	}
	if batch.SnapshotCount > 0 && batch.SnapshotCount != len(events) {
		s.logger.Printf("Snapshot count mismatch for %s: declared %d, decoded %d", batch.SessionID, batch.SnapshotCount, len(events))
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.db.InsertSnapshotEvents(batch.SDKKey, batch.SessionID, events); err != nil {
		s.logger.Printf("Database error: %v", err)
		http.Error(w, "Failed to store snapshots", http.StatusInternalServerError)
		return
	}

	s.forward(request.Context(), envelope{
		Source:    "snapshots",
		SDKKey:    batch.SDKKey,
		SessionID: batch.SessionID,
		Events:    events,
	})
	w.WriteHeader(http.StatusNoContent)
}

// reject logs an undecodable batch, archives the raw payload and reports
// the diagnostics to the dead-letter topic.
func (s *Server) reject(ctx context.Context, batch models.SnapshotBatch, err error) {
	var failure *snapshot.DecodeFailure
	if !errors.As(err, &failure) {
		failure = &snapshot.DecodeFailure{Length: len(batch.Snapshots), Reason: err.Error()}
	}
	s.logger.Printf("Undecodable snapshots for %s: %v", batch.SessionID, failure)

	letter := deadLetter{
		Error:      failure.Reason,
		SDKKey:     batch.SDKKey,
		SessionID:  batch.SessionID,
		ReceivedAt: s.now().UTC().Format(time.RFC3339Nano),
		Failure:    failure,
	}
	if s.quarantine != nil {
		object, err := s.quarantine.Quarantine(ctx, batch.SessionID, batch.Snapshots)
		if err != nil {
			s.logger.Printf("Quarantine error: %v", err)
		} else {
			letter.Object = object
		}
	}
	if s.forwarder == nil {
		return
	}
	value, err := json.Marshal(letter)
	if err != nil {
		s.logger.Printf("Failed to marshal dead letter: %v", err)
		return
	}
	if err := s.forwarder.SendDLQ(ctx, []byte(batch.SessionID), value); err != nil {
		s.logger.Printf("Kafka write error (dlq): %v", err)
	}
}

func (s *Server) forward(ctx context.Context, e envelope) {
	if s.forwarder == nil {
		return
	}
	e.ReceivedAt = s.now().UTC().Format(time.RFC3339Nano)
	value, err := json.Marshal(e)
	if err != nil {
		s.logger.Printf("Failed to marshal %s envelope: %v", e.Source, err)
		return
	}
	err = s.forwarder.Send(ctx, []byte(e.SessionID), value, kafka.Header{
		Key:   "source",
		Value: []byte(e.Source),
	})
	if err != nil {
		s.logger.Printf("Kafka write error (main): %v", err)
	}
}
