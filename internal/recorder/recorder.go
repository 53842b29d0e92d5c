// Package recorder writes a JSONL trace of loop activity for offline
// debugging. One file per daemon run, oldest runs rotated out.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"scriptnerd/internal/config"
	"scriptnerd/internal/log"

	"github.com/oklog/ulid/v2"
)

// Event is a single record in the trace.
type Event struct {
	Timestamp      time.Time      `json:"ts"`
	Event          string         `json:"event"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Recorder manages the rotating trace files. The zero-value-like disabled
// recorder (Enabled false in config) satisfies the loop's Recorder
// interface and drops everything.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	runID   string

	cfg    config.RecorderConfig
	logger log.Logger
}

// New creates a recorder. It ensures the trace directory exists when
// recording is enabled.
func New(cfg config.RecorderConfig, logger log.Logger) (*Recorder, error) {
	if logger == nil {
		logger = log.Noop
	}
	r := &Recorder{
		cfg:    cfg,
		logger: logger.WithValues(log.Kv{"svc": "recorder"}),
	}
	if !cfg.Enabled {
		return r, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return r, nil
}

// Start opens a new trace file for this daemon run and rotates old ones.
// No-op when recording is disabled.
func (r *Recorder) Start() error {
	if !r.cfg.Enabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	r.runID = ulid.Make().String()
	path := filepath.Join(r.cfg.Dir, fmt.Sprintf("trace_%s.jsonl", r.runID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.logger.Debugf("recording run %s to %s", r.runID, path)
	return nil
}

// RunID identifies the current trace, empty before Start.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Record appends an event to the current trace. Safe to call from any
// goroutine; drops silently when no trace is open.
func (r *Recorder) Record(conversationID, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	_ = r.encoder.Encode(Event{
		Timestamp:      time.Now(),
		Event:          event,
		ConversationID: conversationID,
		Fields:         fields,
	})
}

// rotate keeps only the newest files, leaving room for the one about to be
// created.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	limit := r.cfg.GetMaxRotatedFiles()
	if len(traces) >= limit {
		keep := limit - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(r.cfg.Dir, traces[i].Name))
		}
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
