package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrPartialWrite indicates that a batch write only partially succeeded.
var ErrPartialWrite = errors.New("partial write failure")

// PartialWriteError reports how many entries of a bulk insert failed.
type PartialWriteError struct {
	TotalEntries int
	FailedCount  int
	Cause        mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial usage insert: %d of %d entries failed: %v",
		e.FailedCount, e.TotalEntries, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

// MongoDBStore implements Store and Reader for MongoDB. Retention is
// enforced by a TTL index instead of a cleanup loop.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates the usage collection indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}

	collection := database.Collection("usage")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "model", Value: 1}}},
	}

	// MongoDB refuses a second index on the TTL field.
	if retentionDays > 0 {
		ttlSeconds := int32(int64(retentionDays) * 24 * 60 * 60)
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
		})
	} else {
		indexes = append(indexes, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: -1}},
		})
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for usage", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// WriteBatch inserts entries unordered so one failure does not stop the rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			failed := len(bulkErr.WriteErrors)
			slog.Warn("partial usage insert failure",
				"total", len(entries),
				"failed", failed,
				"succeeded", len(entries)-failed,
			)
			return &PartialWriteError{
				TotalEntries: len(entries),
				FailedCount:  failed,
				Cause:        bulkErr,
			}
		}
		return fmt.Errorf("failed to insert usage entries: %w", err)
	}
	return nil
}

// Flush is a no-op for MongoDB as writes are synchronous.
func (s *MongoDBStore) Flush(_ context.Context) error {
	return nil
}

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

// Summary aggregates entries per provider and model.
func (s *MongoDBStore) Summary(ctx context.Context, q Query) ([]ModelUsage, error) {
	match := bson.D{}
	if !q.Since.IsZero() {
		match = append(match, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: q.Since.UTC()}}})
	}
	if q.Provider != "" {
		match = append(match, bson.E{Key: "provider", Value: q.Provider})
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "provider", Value: "$provider"}, {Key: "model", Value: "$model"}}},
			{Key: "requests", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "errors", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$outcome", OutcomeSuccess}}}, 1, 0,
			}}}}}},
			{Key: "prompt_tokens", Value: bson.D{{Key: "$sum", Value: "$prompt_tokens"}}},
			{Key: "completion_tokens", Value: bson.D{{Key: "$sum", Value: "$completion_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.provider", Value: 1}, {Key: "_id.model", Value: 1}}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage summary: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]ModelUsage, 0)
	for cursor.Next(ctx) {
		var row struct {
			ID struct {
				Provider string `bson:"provider"`
				Model    string `bson:"model"`
			} `bson:"_id"`
			Requests         int64 `bson:"requests"`
			Errors           int64 `bson:"errors"`
			PromptTokens     int64 `bson:"prompt_tokens"`
			CompletionTokens int64 `bson:"completion_tokens"`
			TotalTokens      int64 `bson:"total_tokens"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode usage summary: %w", err)
		}
		result = append(result, ModelUsage{
			Provider:         row.ID.Provider,
			Model:            row.ID.Model,
			Requests:         row.Requests,
			Errors:           row.Errors,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary cursor: %w", err)
	}
	return result, nil
}
