package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"monollm/config"
	"monollm/internal/storage"
)

// LedgerStore is a backend that can both record and summarise entries.
type LedgerStore interface {
	Store
	Reader
}

// Result holds the initialized usage logger and its dependencies.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Logger  Recorder
	Reader  Reader
	Storage storage.Storage
}

// Close flushes the logger and then closes the storage connection.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	return errors.Join(errs...)
}

// New creates a usage logger from configuration. When usage tracking is
// disabled it returns a NoopLogger with no storage or reader.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Usage.Enabled {
		return &Result{Logger: NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	ledger, err := NewStore(ctx, store, cfg.Usage.RetentionDays)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Result{
		Logger:  NewLogger(ledger, buildLoggerConfig(cfg.Usage)),
		Reader:  ledger,
		Storage: store,
	}, nil
}

// NewStore creates the ledger store matching the storage backend.
func NewStore(ctx context.Context, store storage.Storage, retentionDays int) (LedgerStore, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func buildLoggerConfig(usageCfg config.UsageConfig) Config {
	cfg := DefaultConfig()
	cfg.Enabled = usageCfg.Enabled
	cfg.RetentionDays = usageCfg.RetentionDays
	if usageCfg.BufferSize > 0 {
		cfg.BufferSize = usageCfg.BufferSize
	}
	if usageCfg.FlushInterval > 0 {
		cfg.FlushInterval = time.Duration(usageCfg.FlushInterval) * time.Second
	}
	return cfg
}
