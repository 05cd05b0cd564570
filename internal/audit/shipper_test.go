package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/laasy/corptravel/internal/audit"
	"github.com/laasy/corptravel/internal/config"
)

// ---------------------------------------------------------------------------
// FromConfig / MultiShipper
// ---------------------------------------------------------------------------

func TestFromConfig_Empty(t *testing.T) {
	ms, err := audit.FromConfig(nil)
	if err != nil {
		t.Fatalf("FromConfig(nil) error: %v", err)
	}
	if ms.Len() != 0 {
		t.Errorf("Len() = %d, want 0", ms.Len())
	}
	if err := ms.Ship(context.Background(), &audit.LogEntry{Action: "test"}); err != nil {
		t.Errorf("Ship() on empty multi-shipper = %v, want nil", err)
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfgs    []config.AuditShipperConfig
		wantLen int
		wantErr bool
	}{
		{"disabled skipped", []config.AuditShipperConfig{{Enabled: false, Type: "webhook"}}, 0, false},
		{"unknown type", []config.AuditShipperConfig{{Enabled: true, Type: "syslog"}}, 0, true},
		{"webhook nil config", []config.AuditShipperConfig{{Enabled: true, Type: "webhook"}}, 0, true},
		{"file nil config", []config.AuditShipperConfig{{Enabled: true, Type: "file"}}, 0, true},
		{"webhook without url", []config.AuditShipperConfig{{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{}}}, 0, true},
		{"file and webhook", []config.AuditShipperConfig{
			{Enabled: true, Type: "file", File: &config.AuditFileConfig{Path: filepath.Join(dir, "a.log")}},
			{Enabled: true, Type: "webhook", Webhook: &config.AuditWebhookConfig{URL: "http://127.0.0.1:1", TimeoutSecs: 1}},
		}, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := audit.FromConfig(tt.cfgs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer ms.Close()
			if ms.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", ms.Len(), tt.wantLen)
			}
		})
	}
}

type stubShipper struct {
	err    error
	mu     sync.Mutex
	got    []*audit.LogEntry
	closed bool
}

func (s *stubShipper) Ship(_ context.Context, e *audit.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return s.err
}

func (s *stubShipper) Close() error { s.closed = true; return nil }

func TestMultiShipper_ContinuesAfterShipperError(t *testing.T) {
	failing := &stubShipper{err: errors.New("down")}
	ok := &stubShipper{}
	ms := audit.NewMultiShipper(failing, ok)

	err := ms.Ship(context.Background(), &audit.LogEntry{Action: "api_key.generate"})
	if err == nil {
		t.Error("Ship() = nil, want error from first shipper")
	}
	if len(ok.got) != 1 {
		t.Errorf("second shipper received %d entries, want 1", len(ok.got))
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if !failing.closed || !ok.closed {
		t.Error("Close() did not close every shipper")
	}
}

// ---------------------------------------------------------------------------
// WebhookShipper
// ---------------------------------------------------------------------------

func TestWebhookShipper_ShipEntry(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws, err := audit.NewWebhookShipper(audit.WebhookOptions{
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "abc"},
	})
	if err != nil {
		t.Fatalf("NewWebhookShipper() error: %v", err)
	}
	defer ws.Close()

	entry := &audit.LogEntry{Action: "POST /bookings", APIKeyID: 7, ResourceType: "booking", StatusCode: 201}
	if err := ws.Ship(context.Background(), entry); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var got audit.LogEntry
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("body is not a JSON entry: %v", err)
	}
	if got.Action != entry.Action || got.APIKeyID != 7 || got.ResourceType != "booking" {
		t.Errorf("received %+v, want %+v", got, entry)
	}
	if headers.Get("X-Token") != "abc" {
		t.Errorf("X-Token = %q, want abc", headers.Get("X-Token"))
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", headers.Get("Content-Type"))
	}
}

func TestWebhookShipper_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(audit.WebhookOptions{URL: srv.URL})
	if err := ws.Ship(context.Background(), &audit.LogEntry{Action: "x"}); err == nil {
		t.Error("Ship() = nil, want error for 502")
	}
}

func TestNewWebhookShipper_RequiresURL(t *testing.T) {
	if _, err := audit.NewWebhookShipper(audit.WebhookOptions{}); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestWebhookShipper_BatchFlushOnSize(t *testing.T) {
	batches := make(chan []audit.LogEntry, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b []audit.LogEntry
		_ = json.NewDecoder(r.Body).Decode(&b)
		batches <- b
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(audit.WebhookOptions{URL: srv.URL, BatchSize: 2, FlushInterval: time.Hour})
	defer ws.Close()

	for _, a := range []string{"one", "two"} {
		if err := ws.Ship(context.Background(), &audit.LogEntry{Action: a}); err != nil {
			t.Fatalf("Ship() error: %v", err)
		}
	}

	select {
	case b := <-batches:
		if len(b) != 2 || b[0].Action != "one" || b[1].Action != "two" {
			t.Errorf("batch = %+v, want [one two]", b)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("batch was not flushed when full")
	}
}

func TestWebhookShipper_BatchFlushOnInterval(t *testing.T) {
	batches := make(chan []audit.LogEntry, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b []audit.LogEntry
		_ = json.NewDecoder(r.Body).Decode(&b)
		batches <- b
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(audit.WebhookOptions{URL: srv.URL, BatchSize: 100, FlushInterval: 50 * time.Millisecond})
	defer ws.Close()

	_ = ws.Ship(context.Background(), &audit.LogEntry{Action: "tick"})
	select {
	case b := <-batches:
		if len(b) != 1 {
			t.Errorf("batch len = %d, want 1", len(b))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("batch was not flushed on interval")
	}
}

func TestWebhookShipper_BatchFlushOnClose(t *testing.T) {
	batches := make(chan []audit.LogEntry, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b []audit.LogEntry
		_ = json.NewDecoder(r.Body).Decode(&b)
		batches <- b
	}))
	defer srv.Close()

	ws, _ := audit.NewWebhookShipper(audit.WebhookOptions{URL: srv.URL, BatchSize: 100, FlushInterval: time.Hour})
	_ = ws.Ship(context.Background(), &audit.LogEntry{Action: "pending"})
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// second close is a no-op
	_ = ws.Close()

	select {
	case b := <-batches:
		if len(b) != 1 || b[0].Action != "pending" {
			t.Errorf("batch = %+v, want [pending]", b)
		}
	default:
		t.Fatal("Close() returned before flushing the pending batch")
	}
}

// ---------------------------------------------------------------------------
// FileShipper
// ---------------------------------------------------------------------------

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFileShipper_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	fs, err := audit.NewFileShipper(path, 0, 0)
	if err != nil {
		t.Fatalf("NewFileShipper() error: %v", err)
	}
	for _, a := range []string{"a", "b", "c"} {
		if err := fs.Ship(context.Background(), &audit.LogEntry{Action: a}); err != nil {
			t.Fatalf("Ship() error: %v", err)
		}
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	var e audit.LogEntry
	if err := json.Unmarshal([]byte(lines[2]), &e); err != nil || e.Action != "c" {
		t.Errorf("last line = %q (err %v), want action c", lines[2], err)
	}
}

func TestNewFileShipper_InvalidPath(t *testing.T) {
	if _, err := audit.NewFileShipper(filepath.Join(t.TempDir(), "no", "such", "dir", "a.log"), 0, 0); err == nil {
		t.Error("expected error for unwritable path")
	}
	if _, err := audit.NewFileShipper("", 0, 0); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestFileShipper_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	// pre-fill past the 1 MB threshold so the next Ship rotates
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 1024*1024+1)), 0o600); err != nil {
		t.Fatal(err)
	}

	fs, err := audit.NewFileShipper(path, 1, 2)
	if err != nil {
		t.Fatalf("NewFileShipper() error: %v", err)
	}
	defer fs.Close()

	if err := fs.Ship(context.Background(), &audit.LogEntry{Action: "after-rotate"}); err != nil {
		t.Fatalf("Ship() error: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("backup %s.1 missing: %v", path, err)
	}
	lines := readLines(t, path)
	if len(lines) != 1 || !strings.Contains(lines[0], "after-rotate") {
		t.Errorf("live file = %v, want only the new entry", lines)
	}
}
