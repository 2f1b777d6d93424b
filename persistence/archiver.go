package persistence

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/lexcodex/stdiohub/supervisor"
)

// DefaultArchiveBuffer is the number of message events the archiver queues
// before it starts dropping.
const DefaultArchiveBuffer = 1024

// Archiver is a supervisor.Telemetry sink that copies message events into a
// TranscriptStore from a background goroutine. Emit never blocks: when the
// queue is full the event is dropped and counted.
type Archiver struct {
	store  TranscriptStore
	logger *log.Logger
	events chan supervisor.Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewArchiver starts an archiver writing to store.
func NewArchiver(store TranscriptStore, logger *log.Logger, buffer int) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("transcript store required")
	}
	if buffer <= 0 {
		buffer = DefaultArchiveBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &Archiver{
		store:  store,
		logger: logger,
		events: make(chan supervisor.Event, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a, nil
}

// Emit queues message events; other event types are ignored.
func (a *Archiver) Emit(evt supervisor.Event) {
	if evt.Type != supervisor.EventMessage || evt.Entry == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- evt:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (a *Archiver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) loop() {
	defer close(a.done)
	for evt := range a.events {
		entry, ok := EntryFromEvent(evt)
		if !ok {
			continue
		}
		if err := a.store.Append(context.Background(), entry.Server, entry); err != nil {
			a.logger.Printf("archive %s: %v", entry.Server, err)
		}
	}
}
