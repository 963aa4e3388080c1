package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/memgate/internal/config"
)

// ChromemStore keeps vectors in an embedded chromem-go database, in memory
// or persisted under a directory.
//
// Indexed metadata fields are pushed down into chromem's where filter;
// other filter fields are applied to the results.
type ChromemStore struct {
	db         *chromem.DB
	path       string
	collection string

	mu      sync.RWMutex
	indexes map[string]bool
}

// NewChromem opens the store described by cfg.
func NewChromem(cfg config.VectorStore) (*ChromemStore, error) {
	name := cfg.Collection
	if name == "" {
		name = "memgate"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	return &ChromemStore{
		db:         db,
		path:       cfg.Path,
		collection: name,
		indexes:    map[string]bool{},
	}, nil
}

// existing returns the collection, or nil before the first write.
// Passing no embedding func is safe: records always carry embeddings.
func (s *ChromemStore) existing() *chromem.Collection {
	return s.db.GetCollection(s.collection, nil)
}

func (s *ChromemStore) Upsert(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	col, err := s.db.GetOrCreateCollection(s.collection, nil, nil)
	if err != nil {
		return err
	}

	for _, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		doc := chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: r.Embedding,
			Metadata:  r.Metadata,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, embedding []float32, f Filter, limit int) ([]Hit, error) {
	col := s.existing()
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	where, post := s.split(f)
	n := limit
	if n <= 0 || n > count || len(post) > 0 || len(f.IDs) > 0 {
		// post-filtering needs every candidate
		n = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if ids != nil && !ids[r.ID] {
			continue
		}
		if !matches(r.Metadata, post) {
			continue
		}
		hits = append(hits, Hit{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Score:    finite(float64(r.Similarity)),
		})
		if limit > 0 && len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// finite maps the NaN and Inf similarities chromem yields for zero vectors to 0.
func finite(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// split divides the filter into the where clause chromem evaluates and the
// conditions checked afterwards.
func (s *ChromemStore) split(f Filter) (where, post map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, v := range map[string]string{KeyUserID: f.UserID, KeyAppID: f.AppID} {
		if v == "" {
			continue
		}
		if s.indexes[k] {
			if where == nil {
				where = map[string]string{}
			}
			where[k] = v
		} else {
			if post == nil {
				post = map[string]string{}
			}
			post[k] = v
		}
	}
	return where, post
}

func matches(meta, want map[string]string) bool {
	for k, v := range want {
		if meta[k] != v {
			return false
		}
	}
	return true
}

func (s *ChromemStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.existing()
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

func (s *ChromemStore) EnsureIndex(ctx context.Context, field string) error {
	if s.existing() == nil {
		return fmt.Errorf("%s: %w", s.collection, ErrCollectionNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexes[field] {
		return fmt.Errorf("%s.%s: %w", s.collection, field, ErrIndexExists)
	}
	s.indexes[field] = true
	return nil
}

// Indexed reports whether field is pushed into the where filter.
func (s *ChromemStore) Indexed(field string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexes[field]
}

func (s *ChromemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.path == "" {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("vector store path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vector store path %s is not a directory", s.path)
	}
	return nil
}
