package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/supervisor"
)

// TranscriptEntry is one archived message exchanged with a worker. Unlike the
// in-memory message log it survives restarts and is not capped.
type TranscriptEntry struct {
	Server    string          `json:"server"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Direction rpc.Direction   `json:"direction"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
}

// EntryFromEvent converts a message event into a transcript entry.
func EntryFromEvent(evt supervisor.Event) (TranscriptEntry, bool) {
	if evt.Type != supervisor.EventMessage || evt.Entry == nil {
		return TranscriptEntry{}, false
	}
	return TranscriptEntry{
		Server:    evt.Server,
		RunID:     evt.RunID,
		Timestamp: evt.Entry.Timestamp,
		Direction: evt.Entry.Direction,
		Type:      evt.Entry.Type,
		Message:   append(json.RawMessage(nil), evt.Entry.Message.Raw...),
	}, true
}

// TranscriptStore persists message transcripts per server.
type TranscriptStore interface {
	Append(ctx context.Context, server string, entries ...TranscriptEntry) error
	// History returns the newest limit entries, oldest first. A limit of zero
	// or less returns everything.
	History(ctx context.Context, server string, limit int) ([]TranscriptEntry, error)
	Clear(ctx context.Context, server string) error
}

// FileTranscriptStore keeps one JSON file per server.
type FileTranscriptStore struct {
	root string
	mu   sync.RWMutex
}

// NewFileTranscriptStore builds a store in the provided root directory.
func NewFileTranscriptStore(root string) (*FileTranscriptStore, error) {
	if root == "" {
		return nil, errors.New("transcript store root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileTranscriptStore{root: root}, nil
}

func (s *FileTranscriptStore) pathFor(server string) (string, error) {
	if err := validServer(server); err != nil {
		return "", err
	}
	return filepath.Join(s.root, server+".transcript.json"), nil
}

// Append stores entries for a server.
func (s *FileTranscriptStore) Append(ctx context.Context, server string, entries ...TranscriptEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(server)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.read(path)
	if err != nil {
		return err
	}
	existing = append(existing, entries...)
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// History returns the archived transcript for a server.
func (s *FileTranscriptStore) History(ctx context.Context, server string, limit int) ([]TranscriptEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(server)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := s.read(path)
	if err != nil {
		return nil, err
	}
	return newest(entries, limit), nil
}

// Clear removes the stored transcript.
func (s *FileTranscriptStore) Clear(ctx context.Context, server string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.pathFor(server)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileTranscriptStore) read(path string) ([]TranscriptEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []TranscriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

func validServer(server string) error {
	if server == "" {
		return errors.New("server name required")
	}
	if strings.ContainsAny(server, `/\`) || server == "." || server == ".." {
		return fmt.Errorf("invalid server name %q", server)
	}
	return nil
}

func newest(entries []TranscriptEntry, limit int) []TranscriptEntry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out
}
