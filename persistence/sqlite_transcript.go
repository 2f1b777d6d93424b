package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lexcodex/stdiohub/rpc"
)

// SQLiteTranscriptStore persists transcripts in a SQLite database.
type SQLiteTranscriptStore struct {
	db *sql.DB
}

// NewSQLiteTranscriptStore opens/creates the database at dbPath.
func NewSQLiteTranscriptStore(dbPath string) (*SQLiteTranscriptStore, error) {
	if dbPath == "" {
		return nil, errors.New("transcript database path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	store := &SQLiteTranscriptStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteTranscriptStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		server TEXT NOT NULL,
		run_id TEXT,
		recorded_at TIMESTAMP NOT NULL,
		direction TEXT NOT NULL,
		type TEXT,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_server ON transcript(server, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteTranscriptStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts entries in one transaction.
func (s *SQLiteTranscriptStore) Append(ctx context.Context, server string, entries ...TranscriptEntry) error {
	if err := validServer(server); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transcript
		(server, run_id, recorded_at, direction, type, message) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, entry := range entries {
		if _, err := stmt.ExecContext(ctx,
			server,
			entry.RunID,
			entry.Timestamp.UTC(),
			string(entry.Direction),
			entry.Type,
			string(entry.Message),
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// History returns the newest limit entries, oldest first.
func (s *SQLiteTranscriptStore) History(ctx context.Context, server string, limit int) ([]TranscriptEntry, error) {
	if err := validServer(server); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT server, run_id, recorded_at, direction, type, message
		FROM transcript WHERE server = ? ORDER BY seq DESC LIMIT ?`, server, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TranscriptEntry
	for rows.Next() {
		var (
			entry     TranscriptEntry
			runID     sql.NullString
			typ       sql.NullString
			direction string
			message   string
			recorded  time.Time
		)
		if err := rows.Scan(&entry.Server, &runID, &recorded, &direction, &typ, &message); err != nil {
			return nil, err
		}
		entry.RunID = runID.String
		entry.Type = typ.String
		entry.Timestamp = recorded
		entry.Direction = rpc.Direction(direction)
		entry.Message = []byte(message)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Clear deletes a server's transcript.
func (s *SQLiteTranscriptStore) Clear(ctx context.Context, server string) error {
	if err := validServer(server); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE server = ?`, server)
	return err
}
