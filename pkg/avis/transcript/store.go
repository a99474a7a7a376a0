// Package transcript persists a per-exchange audit trail in SQLite so
// operators can inspect what the bot was asked and what it answered.
// Session state is never stored here; the table is observability only.
package transcript

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Exchange is one recorded question/answer pair.
type Exchange struct {
	ID               string
	UserID           string
	SessionID        string
	Prompt           string
	Reply            string
	PromptTokens     int
	CompletionTokens int
	DurationMS       int64
	CreatedAt        time.Time
}

// Store writes exchanges to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the transcript database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			prompt            TEXT NOT NULL,
			reply             TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			duration_ms       INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_user ON exchanges(user_id, created_at)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating transcript schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record persists one exchange. A zero ID or CreatedAt is filled in.
func (s *Store) Record(ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO exchanges
			(id, user_id, session_id, prompt, reply,
			 prompt_tokens, completion_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID,
		ex.UserID,
		ex.SessionID,
		ex.Prompt,
		ex.Reply,
		ex.PromptTokens,
		ex.CompletionTokens,
		ex.DurationMS,
		ex.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording exchange: %w", err)
	}
	return nil
}

// Recent returns the newest exchanges, most recent first.
func (s *Store) Recent(limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, session_id, prompt, reply,
		       prompt_tokens, completion_tokens, duration_ms, created_at
		FROM exchanges
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("loading exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex        Exchange
			createdAt string
		)
		if err := rows.Scan(
			&ex.ID, &ex.UserID, &ex.SessionID, &ex.Prompt, &ex.Reply,
			&ex.PromptTokens, &ex.CompletionTokens, &ex.DurationMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning exchange: %w", err)
		}
		ex.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
