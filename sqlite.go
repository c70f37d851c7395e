package supervisor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCheckpointStore persists checkpoints in a local SQLite database.
// The snapshot itself is stored as a JSON blob; the indexed columns exist
// only for lookup and pruning.
type SQLiteCheckpointStore struct {
	db *sql.DB
}

var _ CheckpointStore = (*SQLiteCheckpointStore)(nil)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	reason     TEXT NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	snapshot   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at);
`

// NewSQLiteCheckpointStore opens (creating if needed) the checkpoint
// database at path. Use ":memory:" for an ephemeral store.
func NewSQLiteCheckpointStore(path string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &SQLiteCheckpointStore{db: db}, nil
}

// Save persists one checkpoint under the given session.
func (s *SQLiteCheckpointStore) Save(ctx context.Context, sessionID string, snapshot Checkpoint, note string) error {
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, created_at, reason, note, snapshot) VALUES (?, ?, ?, ?, ?)`,
		sessionID, snapshot.Timestamp.UTC().Format(time.RFC3339Nano), snapshot.Reason, note, string(blob))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// List returns all checkpoints for a session, oldest first.
func (s *SQLiteCheckpointStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp Checkpoint
		if err := json.Unmarshal([]byte(blob), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest returns the most recent checkpoint for a session, or ok=false
// when none exists.
func (s *SQLiteCheckpointStore) Latest(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(blob), &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// Close releases the underlying database handle.
func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}
