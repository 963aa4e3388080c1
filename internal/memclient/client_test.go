package memclient

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memgate/internal/config"
	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/vectorstore"
)

// scriptedLLM answers by matching the system prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	answer  func(system, prompt string) (string, error)
	prompts []string
}

func (s *scriptedLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, system)
	s.mu.Unlock()
	return s.answer(system, prompt)
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newVectors(t *testing.T) *vectorstore.ChromemStore {
	t.Helper()
	v, err := vectorstore.NewChromem(config.VectorStore{Collection: "test"})
	require.NoError(t, err)
	return v
}

func newTestClient(t *testing.T, l *scriptedLLM, vectors vectorstore.Backend) *Client {
	t.Helper()
	opts := Options{Embedder: embedding.NewHashEmbedder(128), Vectors: vectors}
	if l != nil {
		opts.LLM = l
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestAdd_BasicModeWithoutLLM(t *testing.T) {
	c := newTestClient(t, nil, nil)
	assert.False(t, c.HasVectors())

	events, err := c.Add(context.Background(), "  I prefer window seats  ", AddOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Event{Memory: "I prefer window seats", Event: EventAdd}, events[0])

	_, err = c.Search(context.Background(), "seats", "alice", 10)
	assert.ErrorIs(t, err, ErrNoVectorStore)
	_, err = c.GetAll(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNoVectorStore)
	assert.ErrorIs(t, c.Delete(context.Background(), "x"), ErrNoVectorStore)
}

func TestAdd_IndexesAndSearches(t *testing.T) {
	ctx := context.Background()
	vectors := newVectors(t)
	c := newTestClient(t, nil, vectors)

	events, err := c.Add(ctx, "I love green tea", AddOptions{UserID: "alice", AppID: "app-1", Metadata: map[string]string{"mcp_client": "cursor"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotEmpty(t, events[0].ID)

	_, err = c.Add(ctx, "quarterly taxes are due", AddOptions{UserID: "bob", AppID: "app-2"})
	require.NoError(t, err)

	hits, err := c.Search(ctx, "green tea", "alice", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, events[0].ID, hits[0].ID)
	assert.Equal(t, "I love green tea", hits[0].Memory)
	assert.Equal(t, Hash("I love green tea"), hits[0].Hash)
	assert.Equal(t, "cursor", hits[0].Metadata["mcp_client"])
	assert.NotEmpty(t, hits[0].CreatedAt)

	all, err := c.GetAll(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "quarterly taxes are due", all[0].Memory)

	require.NoError(t, c.Delete(ctx, events[0].ID))
	hits, _ = c.Search(ctx, "green tea", "alice", 10)
	assert.Empty(t, hits)
}

func TestAdd_RestatementUpdatesExisting(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, nil, newVectors(t))

	first, err := c.Add(ctx, "I love green tea", AddOptions{UserID: "alice"})
	require.NoError(t, err)
	second, err := c.Add(ctx, "i love GREEN tea", AddOptions{UserID: "alice"})
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, EventAdd, second[0].Event)
	assert.Equal(t, "I love green tea", second[0].OldMemory)
}

func TestAdd_LLMDecidesEvents(t *testing.T) {
	ctx := context.Background()
	vectors := newVectors(t)

	l := &scriptedLLM{answer: func(system, prompt string) (string, error) {
		return `{"facts":["Lives in Oslo"]}`, nil
	}}
	c := newTestClient(t, l, vectors)
	seed, err := c.Add(ctx, "I live in Oslo", AddOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, seed, 1)

	l.answer = func(system, prompt string) (string, error) {
		if strings.Contains(system, "durable personal facts") {
			return "```json\n{\"facts\":[\"Moved to Bergen\", \"Has a dog\"]}\n```", nil
		}
		require.Contains(t, system, "- id 0: Lives in Oslo")
		return `{"memory":[
			{"id":"0","text":"Lives in Oslo","event":"DELETE"},
			{"id":"7","text":"Moved to Bergen","event":"ADD"},
			{"id":"9","text":"ghost","event":"DELETE"},
			{"id":"1","text":"Has a dog","event":"NONE"}
		]}`, nil
	}

	events, err := c.Add(ctx, "I moved to Bergen with my dog", AddOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{ID: seed[0].ID, Memory: "Lives in Oslo", Event: EventDelete}, events[0])
	assert.Equal(t, EventAdd, events[1].Event)
	assert.NotEqual(t, "7", events[1].ID, "model ids never leak into the index")
	assert.NotEmpty(t, events[1].ID)

	all, err := c.GetAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Moved to Bergen", all[0].Memory)
}

func TestAdd_NoFacts(t *testing.T) {
	l := &scriptedLLM{answer: func(string, string) (string, error) { return `{"facts":[]}`, nil }}
	c := newTestClient(t, l, newVectors(t))

	events, err := c.Add(context.Background(), "hi there", AddOptions{UserID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAdd_UnrecognizedExtraction(t *testing.T) {
	l := &scriptedLLM{answer: func(string, string) (string, error) { return `Sure! Here are the facts.`, nil }}
	c := newTestClient(t, l, nil)

	_, err := c.Add(context.Background(), "text", AddOptions{UserID: "alice"})
	assert.ErrorIs(t, err, ErrUnrecognizedShape)
}

func TestCategorize_Cached(t *testing.T) {
	l := &scriptedLLM{answer: func(system, prompt string) (string, error) {
		return `{"categories":["Food","preferences"]}`, nil
	}}
	c := newTestClient(t, l, nil)
	ctx := context.Background()

	cats, err := c.Categorize(ctx, "loves sushi")
	require.NoError(t, err)
	assert.Equal(t, []string{"food", "preferences"}, cats)

	// ristretto admits writes asynchronously
	c.cache.Wait()
	cats, err = c.Categorize(ctx, "loves sushi")
	require.NoError(t, err)
	assert.Equal(t, []string{"food", "preferences"}, cats)
	assert.Equal(t, 1, l.calls())
}

func TestCategorize_Errors(t *testing.T) {
	l := &scriptedLLM{answer: func(string, string) (string, error) { return "", errors.New("rate limited") }}
	c := newTestClient(t, l, nil)

	_, err := c.Categorize(context.Background(), "x")
	assert.ErrorContains(t, err, "rate limited")

	cats, err := newTestClient(t, nil, nil).Categorize(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, cats)
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, nil, newVectors(t))

	require.NoError(t, c.Index(ctx, "m-1", "Plays chess", AddOptions{UserID: "alice", AppID: "app-1"}))
	all, err := c.GetAll(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "m-1", all[0].ID)
	assert.Equal(t, "app-1", all[0].Metadata["app_id"])

	assert.ErrorIs(t, newTestClient(t, nil, nil).Index(ctx, "m-1", "x", AddOptions{}), ErrNoVectorStore)
}

func TestToHits_NonFiniteScores(t *testing.T) {
	hits := ToHits([]vectorstore.Hit{
		{ID: "a", Score: math.NaN()},
		{ID: "b", Score: math.Inf(1)},
		{ID: "c", Score: 0.5},
	})
	require.Len(t, hits, 3)
	assert.Equal(t, 0.0, hits[0].Score)
	assert.Equal(t, 0.0, hits[1].Score)
	assert.Equal(t, 0.5, hits[2].Score)
}
