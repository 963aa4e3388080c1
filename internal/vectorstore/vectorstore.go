// Package vectorstore holds memory embeddings for similarity search.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrCollectionNotFound is returned by EnsureIndex before the first write.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrIndexExists is returned by EnsureIndex when the field is already indexed.
	ErrIndexExists = errors.New("index already exists")
)

// Metadata keys written with every record.
const (
	KeyUserID    = "user_id"
	KeyAppID     = "app_id"
	KeyHash      = "hash"
	KeyCreatedAt = "created_at"
	KeyUpdatedAt = "updated_at"
)

// Record is one memory as stored in the vector backend.
type Record struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is a ranked match.
type Hit struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float64
}

// Filter restricts a query. Empty fields do not filter.
type Filter struct {
	UserID string
	AppID  string
	IDs    []string
}

// Backend is a vector index over memory records.
type Backend interface {
	// Upsert adds or replaces records.
	Upsert(ctx context.Context, records ...Record) error

	// Query returns the best matches for the embedding, most similar first.
	// A limit <= 0 returns every match.
	Query(ctx context.Context, embedding []float32, f Filter, limit int) ([]Hit, error)

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// EnsureIndex creates a secondary index on a metadata field.
	EnsureIndex(ctx context.Context, field string) error

	// Ping checks that the backend is usable.
	Ping(ctx context.Context) error
}
