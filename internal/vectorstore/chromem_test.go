package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgate/internal/config"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromem(config.VectorStore{Provider: config.ProviderChromem, Collection: "test"})
	require.NoError(t, err)
	return s
}

func rec(id, user, app string, emb ...float32) Record {
	return Record{
		ID:        id,
		Content:   "memory " + id,
		Embedding: emb,
		Metadata:  map[string]string{KeyUserID: user, KeyAppID: app},
	}
}

func TestChromem_EmptyCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hits, err := s.Query(ctx, []float32{1, 0}, Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, s.Delete(ctx, "missing"))
	assert.ErrorIs(t, s.EnsureIndex(ctx, KeyUserID), ErrCollectionNotFound)
}

func TestChromem_ZeroQueryScoresFinite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, rec("a", "alice", "cursor", 1, 0)))

	hits, err := s.Query(ctx, []float32{0, 0}, Filter{UserID: "alice"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.0, hits[0].Score)
}

func TestChromem_QueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx,
		rec("a1", "alice", "cursor", 1, 0, 0),
		rec("a2", "alice", "claude", 0.9, 0.1, 0),
		rec("a3", "alice", "cursor", 0, 1, 0),
		rec("b1", "bob", "cursor", 1, 0, 0),
	))

	// limit larger than the collection is clamped
	hits, err := s.Query(ctx, []float32{1, 0, 0}, Filter{UserID: "alice"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a1", hits[0].ID)
	assert.Equal(t, "a2", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)
	for _, h := range hits {
		assert.Equal(t, "alice", h.Metadata[KeyUserID])
	}

	hits, err = s.Query(ctx, []float32{1, 0, 0}, Filter{UserID: "alice", AppID: "cursor"}, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.Query(ctx, []float32{1, 0, 0}, Filter{UserID: "alice", IDs: []string{"a3", "b1"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a3", hits[0].ID)

	hits, err = s.Query(ctx, []float32{1, 0, 0}, Filter{UserID: "alice"}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromem_IndexedFilterSameResults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, rec("a1", "alice", "cursor", 1, 0), rec("b1", "bob", "cursor", 1, 0)))

	before, err := s.Query(ctx, []float32{1, 0}, Filter{UserID: "bob"}, 5)
	require.NoError(t, err)

	require.NoError(t, s.EnsureIndex(ctx, KeyUserID))
	assert.ErrorIs(t, s.EnsureIndex(ctx, KeyUserID), ErrIndexExists)
	assert.True(t, s.Indexed(KeyUserID))
	assert.False(t, s.Indexed(KeyAppID))

	after, err := s.Query(ctx, []float32{1, 0}, Filter{UserID: "bob"}, 5)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestChromem_UpsertReplacesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, rec("a1", "alice", "cursor", 1, 0)))
	r := rec("a1", "alice", "cursor", 0, 1)
	r.Content = "updated"
	require.NoError(t, s.Upsert(ctx, r))

	hits, err := s.Query(ctx, []float32{0, 1}, Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "updated", hits[0].Content)

	require.NoError(t, s.Delete(ctx, "a1", "never-existed"))
	hits, err = s.Query(ctx, []float32{0, 1}, Filter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Error(t, s.Upsert(ctx, Record{ID: "x", Content: "no vector"}))
}

func TestChromem_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vectors")
	cfg := config.VectorStore{Provider: config.ProviderChromem, Path: dir, Collection: "test"}

	s, err := NewChromem(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Upsert(ctx, rec("a1", "alice", "cursor", 1, 0)))

	reopened, err := NewChromem(cfg)
	require.NoError(t, err)
	hits, err := reopened.Query(ctx, []float32{1, 0}, Filter{UserID: "alice"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a1", hits[0].ID)
}

func TestChromem_PingCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, newTestStore(t).Ping(ctx))
}
