package browser

import (
	"strings"
	"sync"
)

// ConsoleBuffer keeps console entries in arrival order across navigations. With a
// positive capacity it behaves as a ring and evicts the oldest entries first.
// Appends come from engine event goroutines, reads from the dispatcher.
type ConsoleBuffer struct {
	mu       sync.Mutex
	entries  []ConsoleEntry
	capacity int
	dropped  int
}

// NewConsoleBuffer creates a buffer. Zero capacity means unbounded.
func NewConsoleBuffer(capacity int) *ConsoleBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ConsoleBuffer{capacity: capacity}
}

// Append records one entry.
func (b *ConsoleBuffer) Append(e ConsoleEntry) {
	e.Level = normalizeLevel(e.Level)
	if e.Args == nil {
		e.Args = []string{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if b.capacity > 0 && len(b.entries) > b.capacity {
		over := len(b.entries) - b.capacity
		b.dropped += over
		b.entries = append(b.entries[:0:0], b.entries[over:]...)
	}
}

// Entries returns a snapshot in arrival order. It is never nil.
func (b *ConsoleBuffer) Entries() []ConsoleEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConsoleEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear empties the buffer in one step.
func (b *ConsoleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.dropped = 0
}

// Len returns the number of buffered entries.
func (b *ConsoleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many entries the ring evicted since the last Clear.
func (b *ConsoleBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// normalizeLevel folds engine-specific console types onto the five console methods.
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "warning", "warn":
		return "warn"
	case "error", "assert":
		return "error"
	case "info":
		return "info"
	case "debug", "trace", "verbose":
		return "debug"
	default:
		return "log"
	}
}
