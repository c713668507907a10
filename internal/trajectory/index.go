package trajectory

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Index is a SQLite summary of finished sessions, written once per session
// at session end. It backs the `rlm sessions` listing; the JSONL logs stay
// the source of truth for per-event detail.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// SessionSummary is one row of the index.
type SessionSummary struct {
	ID               string
	LogPath          string
	StartedAt        time.Time
	EndedAt          time.Time
	Status           string // terminal session state, e.g. done or failed
	Iterations       int
	PromptTokens     int
	CompletionTokens int
	Answer           string
	Failure          string
}

// OpenIndex opens (creating if needed) the session index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		log_path TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		answer TEXT,
		failure TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	if _, err := x.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure sessions schema: %w", err)
	}
	return nil
}

// Insert records one finished session.
func (x *Index) Insert(s SessionSummary) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	_, err := x.db.Exec(`
		INSERT OR REPLACE INTO sessions
		(id, log_path, started_at, ended_at, status, iterations, prompt_tokens, completion_tokens, answer, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.LogPath, s.StartedAt.UnixMilli(), s.EndedAt.UnixMilli(), s.Status,
		s.Iterations, s.PromptTokens, s.CompletionTokens, s.Answer, s.Failure,
	)
	if err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

// List returns up to limit sessions, newest first. limit <= 0 means all.
func (x *Index) List(limit int) ([]SessionSummary, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	query := `
		SELECT id, log_path, started_at, ended_at, status, iterations,
		       prompt_tokens, completion_tokens, COALESCE(answer, ''), COALESCE(failure, '')
		FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var started, ended int64
		if err := rows.Scan(&s.ID, &s.LogPath, &started, &ended, &s.Status,
			&s.Iterations, &s.PromptTokens, &s.CompletionTokens, &s.Answer, &s.Failure); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		s.StartedAt = time.UnixMilli(started)
		s.EndedAt = time.UnixMilli(ended)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (x *Index) Close() error {
	return x.db.Close()
}
