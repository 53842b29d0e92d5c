package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scriptnerd/internal/config"
	"scriptnerd/internal/log"
)

func TestRecorderRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := config.RecorderConfig{Enabled: true, Dir: dir, MaxRotatedFiles: 3}

	r, err := New(cfg, log.Noop)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < cfg.MaxRotatedFiles+2; i++ {
		if err := r.Start(); err != nil {
			t.Fatal(err)
		}
		r.Record("conv-1", "advance_start", map[string]any{"source": "create"})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}
	r.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != cfg.MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", cfg.MaxRotatedFiles, len(entries))
	}
}

func TestRecorderWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	r, err := New(config.RecorderConfig{Enabled: true, Dir: dir, MaxRotatedFiles: 3}, log.Noop)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if r.RunID() == "" {
		t.Error("expected a run id after Start")
	}

	r.Record("conv-1", "tool_executed", map[string]any{"requestId": "req-1"})
	r.Record("", "registry_run", nil)
	r.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("bad trace line %q: %v", sc.Text(), err)
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "tool_executed" || events[0].ConversationID != "conv-1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[0].Fields["requestId"] != "req-1" {
		t.Errorf("fields = %v", events[0].Fields)
	}
}

func TestDisabledRecorderDropsEverything(t *testing.T) {
	dir := t.TempDir()
	r, err := New(config.RecorderConfig{Enabled: false, Dir: dir}, log.Noop)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.Record("conv-1", "advance_start", nil)
	r.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("disabled recorder wrote %d files", len(entries))
	}
}
