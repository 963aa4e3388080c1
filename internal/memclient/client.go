// Package memclient is the extraction and retrieval capability behind the
// gateway: it turns free text into proposed memory events, ranks stored
// memories against a query and keeps the vector index in step.
package memclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/llm"
	"github.com/rcliao/memgate/internal/vectorstore"
)

// ErrNoVectorStore is returned by vector operations in basic mode.
var ErrNoVectorStore = errors.New("no vector store configured")

const (
	similarPerFact = 5
	// duplicateScore is the similarity above which a fact counts as a
	// restatement of an existing memory when no LLM decides.
	duplicateScore = 0.95
	listProbeText  = "memory"
)

// Hit is a ranked memory returned by Search or GetAll.
type Hit struct {
	ID        string            `json:"id"`
	Memory    string            `json:"memory"`
	Hash      string            `json:"hash,omitempty"`
	Score     float64           `json:"score"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AddOptions identifies the owner of new memories.
type AddOptions struct {
	UserID   string
	AppID    string
	Metadata map[string]string
}

// Options configures a Client.
type Options struct {
	// LLM extracts facts and decides events. Nil stores text as given.
	LLM      llm.Provider
	Embedder embedding.Embedder
	// Vectors is nil in basic mode.
	Vectors            vectorstore.Backend
	CustomInstructions string
	// Cache holds categorization results; created when nil.
	Cache  *ristretto.Cache
	Logger *slog.Logger
	Now    func() time.Time
}

// Client is a built capability handle. It is safe for concurrent use.
type Client struct {
	llm          llm.Provider
	embedder     embedding.Embedder
	vectors      vectorstore.Backend
	instructions string
	cache        *ristretto.Cache
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	cache := opts.Cache
	if cache == nil {
		var err error
		cache, err = NewCategoryCache()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		llm:          opts.LLM,
		embedder:     opts.Embedder,
		vectors:      opts.Vectors,
		instructions: opts.CustomInstructions,
		cache:        cache,
		logger:       logger.With("component", "memclient"),
		now:          now,
	}, nil
}

// NewCategoryCache returns a cache sized for category lookups.
func NewCategoryCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 22,
		BufferItems: 64,
	})
}

// HasVectors reports whether the client runs with a vector store.
func (c *Client) HasVectors() bool { return c.vectors != nil }

// Vectors returns the vector backend, or nil in basic mode.
func (c *Client) Vectors() vectorstore.Backend { return c.vectors }

// Embedder returns the embedder used for records and queries.
func (c *Client) Embedder() embedding.Embedder { return c.embedder }

// Ping checks the vector backend.
func (c *Client) Ping(ctx context.Context) error {
	if c.vectors == nil {
		return ErrNoVectorStore
	}
	return c.vectors.Ping(ctx)
}

// Add extracts facts from text, reconciles them with the owner's existing
// memories and applies the outcome to the vector index. The returned events
// carry the ids used in the index; ADD events without id only occur in
// basic mode.
func (c *Client) Add(ctx context.Context, text string, opts AddOptions) ([]Event, error) {
	facts, err := c.extractFacts(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return nil, nil
	}

	vecs := make(map[string]embedding.Vector, len(facts))
	for _, f := range facts {
		v, err := c.embedder.Embed(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("embed fact: %w", err)
		}
		vecs[f] = v
	}

	existing, err := c.similar(ctx, facts, vecs, opts.UserID)
	if err != nil {
		return nil, err
	}

	events, err := c.decide(ctx, facts, existing)
	if err != nil {
		return nil, err
	}

	if c.vectors == nil {
		return events, nil
	}
	return c.applyToIndex(ctx, events, vecs, opts)
}

func (c *Client) extractFacts(ctx context.Context, text string) ([]string, error) {
	if c.llm == nil {
		return []string{strings.TrimSpace(text)}, nil
	}
	out, err := c.llm.Complete(ctx, extractionPrompt(c.instructions, c.now()), text)
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	facts, err := DecodeFacts([]byte(out))
	if err != nil {
		c.logger.Warn("fact extraction returned an unexpected payload", "error", err)
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	return facts, nil
}

// similar returns the owner's memories closest to any fact, best first.
func (c *Client) similar(ctx context.Context, facts []string, vecs map[string]embedding.Vector, userID string) ([]vectorstore.Hit, error) {
	if c.vectors == nil {
		return nil, nil
	}
	seen := map[string]bool{}
	var out []vectorstore.Hit
	for _, f := range facts {
		hits, err := c.vectors.Query(ctx, vecs[f], vectorstore.Filter{UserID: userID}, similarPerFact)
		if err != nil {
			return nil, fmt.Errorf("find similar memories: %w", err)
		}
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				out = append(out, h)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// decide turns facts into events. Existing memories are shown to the model
// under short numeric ids so it cannot invent real ones.
func (c *Client) decide(ctx context.Context, facts []string, existing []vectorstore.Hit) ([]Event, error) {
	if c.llm == nil || len(existing) == 0 {
		return c.decideLocally(facts, existing), nil
	}

	alias := make(map[string]string, len(existing))
	var mem strings.Builder
	for i, h := range existing {
		short := strconv.Itoa(i)
		alias[short] = h.ID
		fmt.Fprintf(&mem, "- id %s: %s\n", short, h.Content)
	}
	var newFacts strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&newFacts, "- %s\n", f)
	}

	prompt := fmt.Sprintf(updateMemoryPrompt, mem.String(), newFacts.String())
	out, err := c.llm.Complete(ctx, prompt, "Decide the events.")
	if err != nil {
		return nil, fmt.Errorf("decide events: %w", err)
	}
	proposed, err := DecodeEvents([]byte(out))
	if err != nil {
		c.logger.Warn("event decision returned an unexpected payload", "error", err)
		return nil, fmt.Errorf("decide events: %w", err)
	}

	events := make([]Event, 0, len(proposed))
	for _, e := range proposed {
		real, known := alias[e.ID]
		switch {
		case e.Event == EventDelete && !known:
			c.logger.Debug("dropping delete of unknown memory", "id", e.ID)
			continue
		case known:
			e.ID = real
		default:
			e.ID = ""
		}
		events = append(events, e)
	}
	return events, nil
}

func (c *Client) decideLocally(facts []string, existing []vectorstore.Hit) []Event {
	events := make([]Event, 0, len(facts))
	for _, f := range facts {
		e := Event{Memory: f, Event: EventAdd}
		for _, h := range existing {
			if h.Score >= duplicateScore {
				e.ID = h.ID
				e.OldMemory = h.Content
				break
			}
		}
		events = append(events, e)
	}
	return events
}

func (c *Client) applyToIndex(ctx context.Context, events []Event, vecs map[string]embedding.Vector, opts AddOptions) ([]Event, error) {
	for i, e := range events {
		if e.Event == EventDelete {
			if err := c.vectors.Delete(ctx, e.ID); err != nil {
				return nil, fmt.Errorf("delete %s from index: %w", e.ID, err)
			}
			continue
		}

		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if err := c.index(ctx, e.ID, e.Memory, vecs[e.Memory], opts); err != nil {
			return nil, err
		}
		events[i] = e
	}
	return events, nil
}

// Index writes one memory to the vector index under id, replacing any
// record with the same id.
func (c *Client) Index(ctx context.Context, id, text string, opts AddOptions) error {
	if c.vectors == nil {
		return ErrNoVectorStore
	}
	return c.index(ctx, id, text, nil, opts)
}

func (c *Client) index(ctx context.Context, id, text string, v embedding.Vector, opts AddOptions) error {
	if v == nil {
		var err error
		if v, err = c.embedder.Embed(ctx, text); err != nil {
			return fmt.Errorf("embed memory: %w", err)
		}
	}

	now := c.now().UTC().Format(time.RFC3339Nano)
	meta := make(map[string]string, len(opts.Metadata)+5)
	for k, val := range opts.Metadata {
		meta[k] = val
	}
	meta[vectorstore.KeyUserID] = opts.UserID
	meta[vectorstore.KeyAppID] = opts.AppID
	meta[vectorstore.KeyHash] = Hash(text)
	meta[vectorstore.KeyCreatedAt] = now
	meta[vectorstore.KeyUpdatedAt] = now

	rec := vectorstore.Record{ID: id, Content: text, Embedding: v, Metadata: meta}
	if err := c.vectors.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

// Search ranks the owner's memories against query.
func (c *Client) Search(ctx context.Context, query, userID string, limit int) ([]Hit, error) {
	if c.vectors == nil {
		return nil, ErrNoVectorStore
	}
	v, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := c.vectors.Query(ctx, v, vectorstore.Filter{UserID: userID}, limit)
	if err != nil {
		return nil, err
	}
	return ToHits(hits), nil
}

// GetAll returns every indexed memory of the owner, in no particular order.
func (c *Client) GetAll(ctx context.Context, userID string) ([]Hit, error) {
	if c.vectors == nil {
		return nil, ErrNoVectorStore
	}
	v, err := c.embedder.Embed(ctx, listProbeText)
	if err != nil {
		return nil, fmt.Errorf("embed probe: %w", err)
	}
	hits, err := c.vectors.Query(ctx, v, vectorstore.Filter{UserID: userID}, 0)
	if err != nil {
		return nil, err
	}
	return ToHits(hits), nil
}

// Delete removes memories from the vector index.
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	if c.vectors == nil {
		return ErrNoVectorStore
	}
	return c.vectors.Delete(ctx, ids...)
}

// Categorize returns category names for a memory. Without an LLM there
// are no categories.
func (c *Client) Categorize(ctx context.Context, text string) ([]string, error) {
	if c.llm == nil {
		return nil, nil
	}
	key := Hash(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]string), nil
	}

	out, err := c.llm.Complete(ctx, categorizationPrompt, text)
	if err != nil {
		return nil, fmt.Errorf("categorize: %w", err)
	}
	cats, err := DecodeCategories([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("categorize: %w", err)
	}
	c.cache.Set(key, cats, int64(len(key)+len(strings.Join(cats, ""))))
	return cats, nil
}

// ToHits converts backend hits into capability hits.
func ToHits(hits []vectorstore.Hit) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if math.IsNaN(h.Score) || math.IsInf(h.Score, 0) {
			h.Score = 0
		}
		out = append(out, Hit{
			ID:        h.ID,
			Memory:    h.Content,
			Hash:      h.Metadata[vectorstore.KeyHash],
			Score:     h.Score,
			CreatedAt: h.Metadata[vectorstore.KeyCreatedAt],
			UpdatedAt: h.Metadata[vectorstore.KeyUpdatedAt],
			Metadata:  h.Metadata,
		})
	}
	return out
}

// Hash is the content hash stored with each indexed memory.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
