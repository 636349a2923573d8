package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SQLite allows 999 bound parameters per statement by default.
const (
	maxSQLiteParams      = 999
	columnsPerUsageEntry = 14
	maxEntriesPerBatch   = maxSQLiteParams / columnsPerUsageEntry
)

// sqliteTimeFormat has a fixed width so stored timestamps compare lexically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store and Reader for SQLite databases.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the ledger table if needed and starts the
// retention cleanup goroutine when retentionDays is positive.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			response_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			stream INTEGER NOT NULL DEFAULT 0,
			cached INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_usage_request_id ON usage(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_usage_provider_model ON usage(provider, model)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go runRetention(store.stopCleanup, CleanupInterval, store.cleanup)
	}

	return store, nil
}

// WriteBatch inserts entries in chunks that stay within the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxEntriesPerBatch {
		end := min(i+maxEntriesPerBatch, len(entries))
		chunk := entries[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]any, 0, len(chunk)*columnsPerUsageEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			values = append(values,
				e.ID,
				e.RequestID,
				e.ResponseID,
				e.Timestamp.UTC().Format(sqliteTimeFormat),
				e.Provider,
				e.Model,
				e.Stream,
				e.Cached,
				e.Outcome,
				e.DurationMs,
				e.PromptTokens,
				e.CompletionTokens,
				e.TotalTokens,
				e.ReasoningTokens,
			)
		}

		query := `INSERT OR IGNORE INTO usage (id, request_id, response_id, timestamp, provider, model,
			stream, cached, outcome, duration_ms, prompt_tokens, completion_tokens, total_tokens,
			reasoning_tokens) VALUES ` + strings.Join(placeholders, ",")

		if _, err := s.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert usage batch %d: %w", i/maxEntriesPerBatch, err)
		}
	}
	return nil
}

// Flush is a no-op for SQLite as writes are synchronous.
func (s *SQLiteStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The DB belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *SQLiteStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	cutoff := retentionCutoff(s.retentionDays).Format(sqliteTimeFormat)
	result, err := s.db.Exec("DELETE FROM usage WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to cleanup old usage entries", "error", err)
		return
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old usage entries", "deleted", n)
	}
}

// Summary aggregates entries per provider and model.
func (s *SQLiteStore) Summary(ctx context.Context, q Query) ([]ModelUsage, error) {
	var conditions []string
	var args []any
	if !q.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(sqliteTimeFormat))
	}
	if q.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, q.Provider)
	}

	query := `SELECT provider, model, COUNT(*),
			COALESCE(SUM(CASE WHEN outcome != 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM usage` + whereClause(conditions) + ` GROUP BY provider, model ORDER BY provider, model`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	result := make([]ModelUsage, 0)
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Provider, &m.Model, &m.Requests, &m.Errors,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}
	return result, nil
}

// whereClause joins condition strings into a SQL WHERE clause.
func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}
