// Package usage provides persistent token usage and cost tracking for
// chat completion calls. Records are append-only and indexed by timestamp,
// conversation and outcome for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/copp1723/lane-google-sub001/internal/config"
	"github.com/copp1723/lane-google-sub001/internal/invoke"
)

// Outcome is how an invocation ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeAuth       Outcome = "auth"
	OutcomeMaxRetries Outcome = "max_retries"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeFatal      Outcome = "fatal"
)

// OutcomeOf maps the terminal error of an invoke.Do call to an Outcome.
func OutcomeOf(err error) Outcome {
	var (
		cancelled  *invoke.CancelledError
		maxRetries *invoke.MaxRetriesExceededError
		auth       *invoke.AuthenticationError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &cancelled):
		return OutcomeCancelled
	case errors.As(err, &maxRetries):
		return OutcomeMaxRetries
	case errors.As(err, &auth):
		return OutcomeAuth
	}
	return OutcomeFatal
}

// Record represents a single chat completion invocation's token usage,
// cost and retry history.
type Record struct {
	ID             string
	Timestamp      time.Time
	RequestID      string
	ConversationID string
	Model          string
	Provider       string // "openai", "anthropic", "ollama"
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Attempts       int
	Outcome        Outcome
	Cached         bool
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
	TotalAttempts     int64
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		conversation_id TEXT,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 1,
		outcome         TEXT NOT NULL,
		cached          INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_usage_outcome ON usage_records(outcome);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty a UUIDv7 is
// generated; an empty Outcome is stored as OutcomeOK.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeOK
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, timestamp, request_id, conversation_id, model, provider,
			 input_tokens, output_tokens, cost_usd, attempts, outcome, cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		nullString(rec.ConversationID),
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Attempts,
		string(rec.Outcome),
		rec.Cached,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregate totals for records within [start, end].
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(attempts), 0)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.TotalAttempts); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns aggregate totals grouped by model.
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByOutcome returns aggregate totals grouped by outcome.
func (s *Store) SummaryByOutcome(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("outcome", start, end)
}

// SummaryByConversation returns aggregate totals grouped by conversation
// id. Records without one are grouped under "".
func (s *Store) SummaryByConversation(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("COALESCE(conversation_id, '')", start, end)
}

// summaryGroupedBy aggregates records by the given column expression.
// The expression is always a constant from this package, never user input.
func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(`
		SELECT
			%s,
			COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(attempts), 0)
		FROM usage_records
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY 1`, column)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD, &sum.TotalAttempts); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost for a call given the model,
// token counts, and a pricing table. Returns 0 if the model is not in
// the pricing table.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*entry.InputPerMillion +
		float64(outputTokens)/1_000_000*entry.OutputPerMillion
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
