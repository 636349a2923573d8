package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"monollm/config"
)

type mongoStorage struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoDB connects to MongoDB and pings the primary.
func NewMongoDB(ctx context.Context, cfg config.MongoDBConfig) (Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("MongoDB URL is required")
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &mongoStorage{
		client:   client,
		database: client.Database(dbName),
	}, nil
}

func (s *mongoStorage) Type() string {
	return TypeMongoDB
}

func (s *mongoStorage) SQLiteDB() *sql.DB {
	return nil
}

func (s *mongoStorage) PostgreSQLPool() *pgxpool.Pool {
	return nil
}

func (s *mongoStorage) MongoDatabase() *mongo.Database {
	return s.database
}

func (s *mongoStorage) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
