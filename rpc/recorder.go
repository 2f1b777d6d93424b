package rpc

import (
	"sync"
	"time"
)

// DefaultLogCapacity bounds the per-worker message log.
const DefaultLogCapacity = 50

// Direction marks which way a logged message travelled.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// LogEntry is one recorded message.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Message   Message   `json:"message"`
	Type      string    `json:"type"`
}

// Recorder keeps the most recent messages exchanged with one worker.
type Recorder struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	now      func() time.Time
}

// NewRecorder creates a recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Recorder{
		entries:  make([]LogEntry, 0, capacity+1),
		capacity: capacity,
		now:      time.Now,
	}
}

// Record appends msg and evicts the oldest entries beyond capacity.
func (r *Recorder) Record(dir Direction, msg *Message) LogEntry {
	entry := LogEntry{
		Timestamp: r.now(),
		Direction: dir,
		Message:   *msg,
		Type:      msg.Type(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if over := len(r.entries) - r.capacity; over > 0 {
		copy(r.entries, r.entries[over:])
		r.entries = r.entries[:r.capacity]
	}
	return entry
}

// Entries returns a copy of the newest limit entries, oldest first. A
// non-positive limit or one above capacity means capacity.
func (r *Recorder) Entries(limit int) []LogEntry {
	if limit <= 0 || limit > r.capacity {
		limit = r.capacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.entries) - limit
	if start < 0 {
		start = 0
	}
	out := make([]LogEntry, len(r.entries)-start)
	copy(out, r.entries[start:])
	return out
}

// Len reports how many entries are held.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Capacity reports the maximum number of entries.
func (r *Recorder) Capacity() int {
	return r.capacity
}
