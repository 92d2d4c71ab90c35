package logging

import (
	"sync"
	"time"
)

// LogEntry is a log line kept by a LogBufferWriter.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// LogBufferWriter is an io.Writer that keeps the most recent log lines in a ring buffer so they can be served by the
// RPC server.
type LogBufferWriter struct {
	lock    sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBufferWriter creates a LogBufferWriter that keeps up to capacity entries.
func NewLogBufferWriter(capacity int) *LogBufferWriter {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBufferWriter{entries: make([]LogEntry, capacity)}
}

// Write implements io.Writer. Every call is one entry.
func (w *LogBufferWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	w.entries[w.next] = LogEntry{Timestamp: time.Now(), Message: string(p)}
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.full = true
	}
	return len(p), nil
}

// Count returns the number of entries held.
func (w *LogBufferWriter) Count() int {
	w.lock.RLock()
	defer w.lock.RUnlock()
	if w.full {
		return len(w.entries)
	}
	return w.next
}

// Entries returns up to limit of the most recent entries, oldest first. A limit of zero or less returns every entry.
func (w *LogBufferWriter) Entries(limit int) []LogEntry {
	w.lock.RLock()
	defer w.lock.RUnlock()

	total := w.next
	if w.full {
		total = len(w.entries)
	}
	if limit <= 0 || limit > total {
		limit = total
	}

	result := make([]LogEntry, limit)
	start := w.next - limit
	if start < 0 {
		start += len(w.entries)
	}
	for i := range result {
		result[i] = w.entries[(start+i)%len(w.entries)]
	}
	return result
}

// Clear drops every entry.
func (w *LogBufferWriter) Clear() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.next = 0
	w.full = false
}
