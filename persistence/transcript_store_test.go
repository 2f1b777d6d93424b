package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func sampleEntries(server string, n int) []TranscriptEntry {
	entries := make([]TranscriptEntry, n)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := range entries {
		entries[i] = TranscriptEntry{
			Server:    server,
			RunID:     "run-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Direction: "request",
			Type:      "tools/call",
			Message:   json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call"}`, i+1)),
		}
	}
	return entries
}

// exerciseStore runs the behavior shared by every TranscriptStore.
func exerciseStore(t *testing.T, store TranscriptStore) {
	t.Helper()
	ctx := context.Background()

	if err := store.Append(ctx, "calc", sampleEntries("calc", 5)...); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, "notes", sampleEntries("notes", 1)...); err != nil {
		t.Fatalf("append notes: %v", err)
	}

	all, err := store.History(ctx, "calc", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(all))
	}

	last, err := store.History(ctx, "calc", 2)
	if err != nil {
		t.Fatalf("history limit: %v", err)
	}
	if len(last) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(last))
	}
	var first struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(last[0].Message, &first); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if first.ID != 4 {
		t.Fatalf("expected oldest of newest two to be id 4, got %d", first.ID)
	}
	if !last[1].Timestamp.After(last[0].Timestamp) {
		t.Fatalf("expected entries oldest first, got %v then %v", last[0].Timestamp, last[1].Timestamp)
	}

	if err := store.Clear(ctx, "calc"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cleared, err := store.History(ctx, "calc", 0)
	if err != nil {
		t.Fatalf("history after clear: %v", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("expected empty transcript, got %d", len(cleared))
	}
	notes, err := store.History(ctx, "notes", 0)
	if err != nil || len(notes) != 1 {
		t.Fatalf("expected notes untouched, got %d (%v)", len(notes), err)
	}

	if err := store.Append(ctx, "../escape", sampleEntries("x", 1)...); err == nil {
		t.Fatalf("expected invalid server name to be rejected")
	}
}

func TestFileTranscriptStore(t *testing.T) {
	store, err := NewFileTranscriptStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	exerciseStore(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Append(ctx, "calc", sampleEntries("calc", 1)...); err == nil {
		t.Fatalf("expected canceled context to fail")
	}
}

func TestSQLiteTranscriptStore(t *testing.T) {
	store, err := NewSQLiteTranscriptStore(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}
