package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteArchive stores one row per conversation with its retained messages
// JSON-encoded. Only the post-trim history is kept; trimmed messages are
// not recoverable.
type SQLiteArchive struct {
	db *sql.DB
}

// OpenSQLiteArchive opens (or creates) an archive database at dbPath.
func OpenSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation archive: %w", err)
	}
	a, err := NewSQLiteArchive(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewSQLiteArchive wraps an open database and creates the schema if
// needed. The caller keeps ownership of db unless it calls Close.
func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation archive: %w", err)
	}
	return a, nil
}

// Close closes the underlying database.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func (a *SQLiteArchive) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		token_budget  INTEGER NOT NULL,
		messages      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(last_activity);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Load implements Archive.
func (a *SQLiteArchive) Load(ctx context.Context, id string) (*Context, error) {
	var (
		created, active, raw string
		budget               int
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT created_at, last_activity, token_budget, messages FROM conversations WHERE id = ?`,
		id,
	).Scan(&created, &active, &budget, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	c := &Context{ID: id, TokenBudget: budget}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}
	if c.LastActivity, err = time.Parse(time.RFC3339Nano, active); err != nil {
		return nil, fmt.Errorf("parse last_activity for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(raw), &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return c, nil
}

// Save implements Archive.
func (a *SQLiteArchive) Save(ctx context.Context, c *Context) error {
	raw, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("encode messages for %s: %w", c.ID, err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, last_activity, token_budget, messages)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = excluded.last_activity,
			token_budget  = excluded.token_budget,
			messages      = excluded.messages`,
		c.ID,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
		c.LastActivity.UTC().Format(time.RFC3339Nano),
		c.TokenBudget,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", c.ID, err)
	}
	return nil
}

// Delete removes a conversation from the archive.
func (a *SQLiteArchive) Delete(ctx context.Context, id string) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// List returns archived conversation ids, most recently active first.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id FROM conversations ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
