// Package logging keeps the most recent log lines in memory so the control
// surface can serve them without touching disk. The ring plugs into zerolog
// as an extra writer.
package logging

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring; overflow discards oldest.
const DefaultCapacity = 1000

// Entry is one captured log line.
type Entry struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	JobID   string    `json:"job_id,omitempty"`
	Message string    `json:"message"`
}

// Ring is an io.Writer that parses zerolog's JSON lines into a bounded
// buffer. Safe for concurrent use.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing creates a ring holding up to capacity entries; capacity <= 0 uses
// the default.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Write accepts one zerolog JSON line. Lines that do not parse are kept with
// the raw text as the message, so nothing is silently lost.
func (r *Ring) Write(p []byte) (int, error) {
	var line struct {
		Level   string    `json:"level"`
		Time    time.Time `json:"time"`
		JobID   string    `json:"job_id"`
		Message string    `json:"message"`
	}
	entry := Entry{TS: time.Now()}
	if err := json.Unmarshal(p, &line); err == nil {
		entry.Level = line.Level
		entry.JobID = line.JobID
		entry.Message = line.Message
		if !line.Time.IsZero() {
			entry.TS = line.Time
		}
	} else {
		entry.Message = string(p)
	}

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Recent returns up to limit entries, newest first.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
