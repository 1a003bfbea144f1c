// Package logbuf keeps the most recent log records in memory so operators can
// follow ticket runs without access to the process output.
package logbuf

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// RequestIDKey is the attribute that ties a record to a ticket run.
const RequestIDKey = "request_id"

// Entry is a single log entry captured from slog.
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Since     time.Time
	MinLevel  slog.Level
	RequestID string
	// Contains matches a substring of the message, case-insensitively.
	Contains string
	// Limit keeps the newest matches; zero or less returns all.
	Limit int
}

// Buffer is a thread-safe ring buffer for log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int
	count   int
}

// New creates a ring buffer that holds up to size entries.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write appends an entry, overwriting the oldest one when full.
func (b *Buffer) Write(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Query returns entries matching f, oldest first.
func (b *Buffer) Query(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	contains := strings.ToLower(f.Contains)
	var result []Entry

	start := 0
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]

		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if ParseLevel(e.Level) < f.MinLevel {
			continue
		}
		if f.RequestID != "" && e.RequestID != f.RequestID {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(e.Message), contains) {
			continue
		}
		result = append(result, e)
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// ParseLevel converts a level name back to slog.Level. Unknown names map to
// INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
