package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vincentbai/sessiontrace/internal/models"
	"github.com/vincentbai/sessiontrace/internal/snapshot"
)

func runCmd(t *testing.T, args []string, stdin string) (string, string, error) {
	t.Helper()
	cmd := NewDecodeCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func encoded(t *testing.T, enc snapshot.Encoding) json.RawMessage {
	t.Helper()
	raw, err := snapshot.Encode([]json.RawMessage{
		json.RawMessage(`{"type":2,"data":{}}`),
		json.RawMessage(`{"type":3,"data":{"source":1}}`),
	}, enc)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return raw
}

func TestDecodeFormats(t *testing.T) {
	gz := encoded(t, snapshot.EncodingGzip)
	batch, _ := json.Marshal(models.SnapshotBatch{SDKKey: "k", SessionID: "s", Snapshots: gz, SnapshotCount: 2})
	var hexText string
	if err := json.Unmarshal(gz, &hexText); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		args  []string
		input string
	}{
		{"auto hex text", nil, hexText},
		{"auto plain json", nil, `[{"type":2,"data":{}},[{"type":3,"data":{"source":1}}]]`},
		{"field", []string{"--format", "field"}, string(gz)},
		{"field tagged buffer", []string{"--format", "field"}, string(encoded(t, snapshot.EncodingGzipBuffer))},
		{"batch", []string{"--format", "batch"}, string(batch)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, err := runCmd(t, tt.args, tt.input)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			var events []map[string]any
			if err := json.Unmarshal([]byte(stdout), &events); err != nil {
				t.Fatalf("Output is not a JSON array: %v\n%s", err, stdout)
			}
			if len(events) != 2 || events[0]["type"] != float64(2) || events[1]["type"] != float64(3) {
				t.Errorf("Unexpected events %v", events)
			}
		})
	}
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, encoded(t, snapshot.EncodingLZ), 0o644); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := runCmd(t, []string{path, "--format", "field", "--count"}, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(stdout, "2 events from ") {
		t.Errorf("Unexpected output %q", stdout)
	}
}

func TestDecodeFailurePrintsDiagnostics(t *testing.T) {
	_, stderr, err := runCmd(t, nil, "this is not a snapshot payload at all")
	if err == nil {
		t.Fatal("Expected an error")
	}
	var failure struct {
		Kind     string   `json:"kind"`
		Length   int      `json:"length"`
		HeadHex  string   `json:"head_hex"`
		Attempts []string `json:"attempts"`
	}
	start := strings.Index(stderr, "{")
	if start < 0 {
		t.Fatalf("No diagnostics on stderr: %q", stderr)
	}
	if err := json.NewDecoder(strings.NewReader(stderr[start:])).Decode(&failure); err != nil {
		t.Fatalf("Diagnostics are not JSON: %v", err)
	}
	if failure.Kind != "text" || failure.Length != 37 || len(failure.Attempts) == 0 {
		t.Errorf("Unexpected diagnostics %+v", failure)
	}
}

func TestDecodeUnknownFormat(t *testing.T) {
	if _, _, err := runCmd(t, []string{"--format", "xml"}, "[]"); err == nil {
		t.Fatal("Expected unknown format to fail")
	}
}

type collectorStub struct {
	mu        sync.Mutex
	events    int
	snapshots int
	sessions  map[string]bool
}

func (c *collectorStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch r.URL.Path {
	case "/events":
		var batch models.EventBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.events += len(batch.Events)
		c.sessions[batch.SessionID] = true
	case "/snapshots":
		var batch models.SnapshotBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events, err := snapshot.Decode(snapshot.FromRaw(batch.Snapshots))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		c.snapshots += len(events)
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestProbeDeliversSession(t *testing.T) {
	stub := &collectorStub{sessions: map[string]bool{}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cmd := NewProbeCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{
		"--api-url", srv.URL,
		"--sdk-key", "probe",
		"--events", "12",
		"--snapshots", "3",
		"--interval", "0s",
		"--encoding", "lz",
	})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v\n%s", err, stderr.String())
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	// session_start, page_view, identify, 12 clicks, session_end
	if stub.events != 16 {
		t.Errorf("Expected 16 events at the collector, got %d", stub.events)
	}
	if stub.snapshots != 3 {
		t.Errorf("Expected 3 snapshot events, got %d", stub.snapshots)
	}
	if len(stub.sessions) != 1 {
		t.Errorf("Expected one session, got %v", stub.sessions)
	}
	if !strings.Contains(stdout.String(), "12 events, 3 snapshots captured") {
		t.Errorf("Unexpected summary %q", stdout.String())
	}
}

func TestProbeRequiresAPIURL(t *testing.T) {
	t.Setenv("SESSIONTRACE_API_URL", "")
	t.Setenv("SESSIONTRACE_SDK_KEY", "")
	cmd := NewProbeCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--sdk-key", "probe"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("Expected missing api url to fail")
	}
}
