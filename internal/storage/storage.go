// Package storage opens the database connection behind the usage ledger.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"monollm/config"
)

// Type constants for storage backends
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

const (
	defaultSQLitePath    = "data/monollm.db"
	defaultMongoDatabase = "monollm"
	defaultMaxConns      = 10
)

// Storage provides a unified handle over the supported backends.
// Exactly one accessor returns a non-nil value, matching Type.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Type returns the storage type ("sqlite", "postgresql", or "mongodb")
	Type() string

	// SQLiteDB returns the *sql.DB connection for SQLite.
	SQLiteDB() *sql.DB

	// PostgreSQLPool returns the connection pool for PostgreSQL.
	PostgreSQLPool() *pgxpool.Pool

	// MongoDatabase returns the MongoDB database.
	MongoDatabase() *mongo.Database

	// Close releases all resources held by the storage.
	Close() error
}

// New creates a Storage for the configured backend and verifies the connection.
// An empty type selects SQLite.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", cfg.Type)
	}
}
