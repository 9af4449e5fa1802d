// Package usage provides persistent token usage and cost tracking for
// inference calls. Records are append-only and indexed by timestamp and
// run so totals can be aggregated per window, model, or provider.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/quill-agent/internal/config"
)

// Kinds of inference call recorded in the ledger.
const (
	KindAgent      = "agent"
	KindCategorize = "categorize"
)

// Record represents a single inference call's token usage and cost.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id,omitempty"`
	Iteration    int       `json:"iteration"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Kind         string    `json:"kind"` // agent, categorize
	DurationMS   int64     `json:"duration_ms"`
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is an append-only SQLite store for token usage records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	return newStore(db, pricing)
}

// NewStoreDB wraps an already-open database, for callers that manage
// the connection themselves.
func NewStoreDB(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	return newStore(db, pricing)
}

func newStore(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, pricing: pricing}
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
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT,
		iteration     INTEGER NOT NULL DEFAULT 0,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		kind          TEXT NOT NULL,
		duration_ms   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated; a zero CostUSD is filled from the pricing table. The
// context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Kind == "" {
		rec.Kind = KindAgent
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, run_id, iteration, model, provider,
			 input_tokens, output_tokens, cost_usd, kind, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RunID,
		rec.Iteration,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Kind,
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByProvider returns per-provider aggregated totals for records within [start, end).
func (s *Store) SummaryByProvider(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "provider", start, end)
}

// SummaryByKind returns per-kind (agent, categorize) totals for records within [start, end).
func (s *Store) SummaryByKind(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "kind", start, end)
}

// RunRecords returns the records of one agent run in insertion order.
func (s *Store) RunRecords(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, run_id, iteration, model, provider,
		        input_tokens, output_tokens, cost_usd, kind, duration_ms
		 FROM usage_records
		 WHERE run_id = ?
		 ORDER BY iteration, timestamp`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.RunID, &rec.Iteration, &rec.Model, &rec.Provider,
			&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.Kind, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scan run usage: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
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
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
