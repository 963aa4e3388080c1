package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgate/internal/config"
	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/vectorstore"
)

type overrideSource struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (o *overrideSource) LoadOverrides(ctx context.Context) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data, o.err
}

func (o *overrideSource) set(data string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data, o.err = []byte(data), err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func baseConfig() *config.Config {
	return &config.Config{
		LLM:         config.Provider{Provider: config.ProviderNone},
		Embedder:    config.Provider{Provider: config.ProviderHash, Config: config.Settings{Dims: 64}},
		VectorStore: &config.VectorStore{Provider: config.ProviderChromem, Collection: "test"},
		Version:     "v1.1",
	}
}

type harness struct {
	m         *Manager
	overrides *overrideSource
	clock     *clock
	builds    atomic.Int32
	probeDown atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{overrides: &overrideSource{}, clock: &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}}

	cache, err := memclient.NewCategoryCache()
	require.NoError(t, err)
	build := DefaultBuilder(cache, nil)

	m, err := NewManager(Options{
		Base:      baseConfig(),
		Overrides: h.overrides,
		Build: func(ctx context.Context, c *config.Config) (*memclient.Client, error) {
			h.builds.Add(1)
			return build(ctx, c)
		},
		Probe: func(ctx context.Context, c *memclient.Client) error {
			if h.probeDown.Load() {
				return errors.New("connection refused")
			}
			return c.Ping(ctx)
		},
		Lookup: func(string) (string, bool) { return "", false },
		Now:    h.clock.Now,
	})
	require.NoError(t, err)
	h.m = m
	return h
}

func TestObtain_BuildsOnceAndReuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.Equal(t, ModeUnavailable, h.m.Mode())

	first, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	second, err := h.m.Obtain(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, h.builds.Load())
	assert.Equal(t, ModeVector, h.m.Mode())
	assert.True(t, first.HasVectors())
}

func TestObtain_DefersIndexesUntilFirstWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	client, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.True(t, h.m.IndexesPending(), "collection does not exist before the first write")

	_, err = client.Add(ctx, "likes tea", memclient.AddOptions{UserID: "alice", AppID: "a"})
	require.NoError(t, err)
	h.m.EnsureIndexesAfterWrite(ctx)

	assert.False(t, h.m.IndexesPending())
	vectors := client.Vectors().(*vectorstore.ChromemStore)
	assert.True(t, vectors.Indexed(vectorstore.KeyUserID))
	assert.True(t, vectors.Indexed(vectorstore.KeyAppID))
}

func TestObtain_ExistingIndexesCountAsCreated(t *testing.T) {
	ctx := context.Background()
	shared, err := vectorstore.NewChromem(config.VectorStore{Collection: "shared"})
	require.NoError(t, err)
	require.NoError(t, shared.Upsert(ctx, vectorstore.Record{ID: "m1", Content: "x", Embedding: []float32{1, 0}}))
	require.NoError(t, shared.EnsureIndex(ctx, vectorstore.KeyUserID))

	m, err := NewManager(Options{
		Base: baseConfig(),
		Build: func(ctx context.Context, c *config.Config) (*memclient.Client, error) {
			return memclient.New(memclient.Options{Embedder: embedding.NewHashEmbedder(2), Vectors: shared})
		},
	})
	require.NoError(t, err)

	_, err = m.Obtain(ctx)
	require.NoError(t, err)
	assert.False(t, m.IndexesPending())
	assert.True(t, shared.Indexed(vectorstore.KeyAppID))
}

func TestObtain_RebuildsOnConfigChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.m.Obtain(ctx)
	require.NoError(t, err)

	h.overrides.set(`{"custom_instructions":"Only keep food preferences."}`, nil)
	second, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, h.builds.Load())

	third, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.Same(t, second, third)

	h.overrides.set(`{"vector_store":{"provider":"disabled"}}`, nil)
	basic, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.False(t, basic.HasVectors())
	assert.Equal(t, ModeBasic, h.m.Mode())
}

func TestObtain_ProbeFailureFallsBackToBasic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.probeDown.Store(true)

	client, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.False(t, client.HasVectors())
	assert.Equal(t, ModeBasic, h.m.Mode())
	assert.EqualValues(t, 2, h.builds.Load(), "vector build plus basic rebuild")

	h.probeDown.Store(false)
	h.clock.advance(DefaultReprobeInterval / 2)
	same, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.Same(t, client, same)

	h.clock.advance(DefaultReprobeInterval)
	recovered, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.True(t, recovered.HasVectors())
	assert.Equal(t, ModeVector, h.m.Mode())
}

func TestObtain_Unavailable(t *testing.T) {
	ctx := context.Background()

	failing, err := NewManager(Options{
		Base: baseConfig(),
		Build: func(ctx context.Context, c *config.Config) (*memclient.Client, error) {
			return nil, errors.New("embedder: api key OPENAI_API_KEY is not set")
		},
	})
	require.NoError(t, err)
	_, err = failing.Obtain(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, ModeUnavailable, failing.Mode())

	panicking, err := NewManager(Options{
		Base: baseConfig(),
		Build: func(ctx context.Context, c *config.Config) (*memclient.Client, error) {
			panic("boom")
		},
	})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = panicking.Obtain(ctx)
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	// the lock must be released after a panic
	_, err = panicking.Obtain(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestObtain_BadOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.overrides.set(`{"unknown_section":{}}`, nil)
	_, err := h.m.Obtain(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	h.overrides.set("", nil)
	client, err := h.m.Obtain(ctx)
	require.NoError(t, err)

	h.overrides.set("", errors.New("database is locked"))
	same, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.Same(t, client, same, "a config read failure keeps the current client")
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	h.m.Reset()
	assert.Equal(t, ModeUnavailable, h.m.Mode())

	second, err := h.m.Obtain(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, h.builds.Load())
}

func TestObtain_Concurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	clients := make([]*memclient.Client, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.m.Obtain(ctx)
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, h.builds.Load())
	for _, c := range clients {
		assert.Same(t, clients[0], c)
	}
}
