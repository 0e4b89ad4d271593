package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	token TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outbox (
	position    INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	room_id     TEXT NOT NULL,
	body        TEXT NOT NULL,
	enqueued_at TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL
);
`

// SQLiteStore persists tokens and the offline queue in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", path, err)
	}
	// The store is accessed from a single client; a second connection would
	// only invite SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, token) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token`, token)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE id = 1`).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveQueue(ctx context.Context, records []QueuedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, room_id, body, enqueued_at, attempts, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.RoomID, r.Body, r.EnqueuedAt.UTC().Format(time.RFC3339Nano), r.Attempts, r.Status)
		if err != nil {
			return fmt.Errorf("failed to save queued message %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadQueue(ctx context.Context) ([]QueuedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, body, enqueued_at, attempts, status
		 FROM outbox ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	defer rows.Close()

	var records []QueuedRecord
	for rows.Next() {
		var r QueuedRecord
		var enqueued string
		if err := rows.Scan(&r.ID, &r.RoomID, &r.Body, &enqueued, &r.Attempts, &r.Status); err != nil {
			return nil, fmt.Errorf("failed to scan queued message: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			r.EnqueuedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
