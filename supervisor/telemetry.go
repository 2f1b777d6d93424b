package supervisor

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lexcodex/stdiohub/rpc"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventStatus    EventType = "status"
	EventMessage   EventType = "message"
	EventMalformed EventType = "malformed"
	EventStderr    EventType = "stderr"
	EventExit      EventType = "exit"
)

// Event captures one observable change in a worker's life.
type Event struct {
	Type      EventType      `json:"type"`
	Server    string         `json:"server"`
	RunID     string         `json:"run_id,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Entry     *rpc.LogEntry  `json:"entry,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Telemetry receives supervisor events. Emit is called from the goroutines
// reading worker output, so implementations must not block for long.
type Telemetry interface {
	Emit(event Event)
}

// MultiplexTelemetry hands each event to every sink in order.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Fanout builds a MultiplexTelemetry, dropping nil sinks and flattening
// nested multiplexers.
func Fanout(sinks ...Telemetry) MultiplexTelemetry {
	var out MultiplexTelemetry
	for _, sink := range sinks {
		switch v := sink.(type) {
		case nil:
		case MultiplexTelemetry:
			out.Sinks = append(out.Sinks, Fanout(v.Sinks...).Sinks...)
		default:
			out.Sinks = append(out.Sinks, v)
		}
	}
	return out
}

func (m MultiplexTelemetry) Emit(event Event) {
	for _, sink := range m.Sinks {
		if sink != nil {
			sink.Emit(event)
		}
	}
}

// JSONFileTelemetry is an append-only journal of worker events, one JSON
// object per line. Each event is written with a single Write, so concurrent
// stdiohub processes sharing a journal do not interleave lines.
type JSONFileTelemetry struct {
	mu     sync.Mutex
	file   *os.File
	types  map[EventType]bool
	failed int
}

// NewJSONFileTelemetry opens path for appending. When types is non-empty only
// those event types are journaled.
func NewJSONFileTelemetry(path string, types ...EventType) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	j := &JSONFileTelemetry{file: f}
	if len(types) > 0 {
		j.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			j.types[t] = true
		}
	}
	return j, nil
}

func (j *JSONFileTelemetry) Emit(event Event) {
	if j.types != nil && !j.types[event.Type] {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	if _, err := j.file.Write(line); err != nil {
		j.failed++
	}
}

// Failed counts events that could not be encoded or written.
func (j *JSONFileTelemetry) Failed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Close is safe to call more than once; later events are discarded.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// LoggerTelemetry prints lifecycle events via the standard logger. Message
// events are skipped unless Verbose is set; stderr lines are already logged by
// the supervisor itself.
type LoggerTelemetry struct {
	Logger  *log.Logger
	Verbose bool
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		logger = log.Default()
	}
	switch event.Type {
	case EventStderr:
		return
	case EventMessage:
		if !t.Verbose || event.Entry == nil {
			return
		}
		logger.Printf("[%s] server=%s run=%s dir=%s type=%s", event.Type, event.Server, event.RunID, event.Entry.Direction, event.Entry.Type)
	default:
		logger.Printf("[%s] server=%s run=%s status=%s msg=%s", event.Type, event.Server, event.RunID, event.Status, event.Message)
	}
}
