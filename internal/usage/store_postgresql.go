package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store and Reader for PostgreSQL databases.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the ledger table if needed and starts the
// retention cleanup goroutine when retentionDays is positive.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			response_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			stream BOOLEAN NOT NULL DEFAULT FALSE,
			cached BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
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
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	store := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go runRetention(store.stopCleanup, CleanupInterval, store.cleanup)
	}

	return store, nil
}

const insertUsageSQL = `
	INSERT INTO usage (id, request_id, response_id, timestamp, provider, model, stream, cached,
		outcome, duration_ms, prompt_tokens, completion_tokens, total_tokens, reasoning_tokens)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO NOTHING`

// WriteBatch sends all entries in one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertUsageSQL,
			e.ID, e.RequestID, e.ResponseID, e.Timestamp, e.Provider, e.Model, e.Stream, e.Cached,
			e.Outcome, e.DurationMs, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.ReasoningTokens)
	}

	results := tx.SendBatch(ctx, batch)
	var errs []error
	for _, e := range entries {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, fmt.Errorf("insert %s: %w", e.ID, err))
		}
	}
	if err := results.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to insert %d usage entries: %w", len(entries), errors.Join(errs...))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op for PostgreSQL as writes are synchronous.
func (s *PostgreSQLStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	if s.retentionDays <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.pool.Exec(ctx, "DELETE FROM usage WHERE timestamp < $1", retentionCutoff(s.retentionDays))
	if err != nil {
		slog.Error("failed to cleanup old usage entries", "error", err)
		return
	}

	if result.RowsAffected() > 0 {
		slog.Info("cleaned up old usage entries", "deleted", result.RowsAffected())
	}
}

// Summary aggregates entries per provider and model.
func (s *PostgreSQLStore) Summary(ctx context.Context, q Query) ([]ModelUsage, error) {
	var conditions []string
	var args []any
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		conditions = append(conditions, "timestamp >= $"+strconv.Itoa(len(args)))
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		conditions = append(conditions, "provider = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT provider, model, COUNT(*),
			COUNT(*) FILTER (WHERE outcome <> 'success'),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM usage` + whereClause(conditions) + ` GROUP BY provider, model ORDER BY provider, model`

	rows, err := s.pool.Query(ctx, query, args...)
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
