package browser

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
)

// Console entry levels, classified from the CDP console API call type.
const (
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

// ConsoleEntry is one captured console line from a target page.
type ConsoleEntry struct {
	Seq   uint64    `json:"seq"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// String renders the entry the way it is shown to the model and the UI.
func (e ConsoleEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Level, e.Text)
}

func classifyConsoleLevel(t proto.RuntimeConsoleAPICalledType) string {
	switch t {
	case proto.RuntimeConsoleAPICalledTypeError, proto.RuntimeConsoleAPICalledTypeAssert:
		return LevelError
	case proto.RuntimeConsoleAPICalledTypeWarning:
		return LevelWarn
	case proto.RuntimeConsoleAPICalledTypeDebug, proto.RuntimeConsoleAPICalledTypeTrace:
		return LevelDebug
	default:
		return LevelLog
	}
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// consoleBuffer is a per-target ring buffer of console entries. Sequence
// numbers are monotonically increasing so an execution can collect exactly
// the lines emitted during its run window.
type consoleBuffer struct {
	mu      sync.Mutex
	entries []ConsoleEntry
	size    int
	nextSeq uint64
}

func newConsoleBuffer(size int) *consoleBuffer {
	if size <= 0 {
		size = 500
	}
	return &consoleBuffer{size: size}
}

func (b *consoleBuffer) Append(level, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	b.entries = append(b.entries, ConsoleEntry{
		Seq:   b.nextSeq,
		Level: level,
		Text:  text,
		At:    time.Now(),
	})
	if len(b.entries) > b.size {
		b.entries = b.entries[len(b.entries)-b.size:]
	}
}

// Mark returns the current sequence position. Entries appended afterwards
// have Seq greater than the mark.
func (b *consoleBuffer) Mark() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Since returns entries appended after the given mark, oldest first.
func (b *consoleBuffer) Since(mark uint64) []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConsoleEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Seq > mark {
			out = append(out, e)
		}
	}
	return out
}

// Tail returns the newest n entries, oldest first.
func (b *consoleBuffer) Tail(n int) []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]ConsoleEntry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}
