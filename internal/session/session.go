// Package session owns the lazily built memory client. It rebuilds the
// client whenever the effective configuration changes and degrades to basic
// mode when the vector backend cannot be reached.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/rcliao/memgate/internal/config"
	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/llm"
	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/vectorstore"
)

// ErrUnavailable is returned by Obtain when no client can be built. The
// caller should retry later.
var ErrUnavailable = errors.New("memory client is unavailable")

// Mode describes what the current client can do.
type Mode string

const (
	ModeVector      Mode = "vector"
	ModeBasic       Mode = "basic"
	ModeUnavailable Mode = "unavailable"
)

const (
	DefaultProbeTimeout    = 10 * time.Second
	DefaultReprobeInterval = time.Minute
)

// IndexedFields are the metadata fields indexed after a vector build.
var IndexedFields = []string{vectorstore.KeyUserID, vectorstore.KeyAppID}

// OverrideSource supplies the stored configuration overrides.
type OverrideSource interface {
	LoadOverrides(ctx context.Context) ([]byte, error)
}

// Builder constructs a client for an effective configuration.
type Builder func(ctx context.Context, c *config.Config) (*memclient.Client, error)

// Prober checks the vector backend of a freshly built client.
type Prober func(ctx context.Context, c *memclient.Client) error

// Options configures a Manager. Only Base is required.
type Options struct {
	Base      *config.Config
	Overrides OverrideSource
	Build     Builder
	Probe     Prober
	Rewriter  *config.HostRewriter
	// Lookup resolves env: references; os.LookupEnv when nil.
	Lookup          func(string) (string, bool)
	ProbeTimeout    time.Duration
	ReprobeInterval time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Manager hands out the current client. It is safe for concurrent use;
// builds are serialized so callers never see a half-built client.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu             sync.Mutex
	client         *memclient.Client
	hash           string
	mode           Mode
	probeFailedAt  time.Time
	indexesPending bool
}

// NewManager creates a manager. Nothing is built until the first Obtain.
func NewManager(opts Options) (*Manager, error) {
	if opts.Base == nil {
		return nil, fmt.Errorf("base config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	if opts.Build == nil {
		cache, err := memclient.NewCategoryCache()
		if err != nil {
			return nil, fmt.Errorf("category cache: %w", err)
		}
		opts.Build = DefaultBuilder(cache, logger)
	}
	if opts.Probe == nil {
		opts.Probe = func(ctx context.Context, c *memclient.Client) error { return c.Ping(ctx) }
	}
	if opts.Rewriter == nil {
		opts.Rewriter = config.NewHostRewriter(logger)
	}
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ReprobeInterval <= 0 {
		opts.ReprobeInterval = DefaultReprobeInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{opts: opts, logger: logger, mode: ModeUnavailable}, nil
}

// DefaultBuilder builds clients from the llm, embedding and vectorstore
// packages. The category cache outlives rebuilds.
func DefaultBuilder(cache *ristretto.Cache, logger *slog.Logger) Builder {
	return func(ctx context.Context, c *config.Config) (*memclient.Client, error) {
		provider, err := llm.New(c.LLM)
		if err != nil {
			return nil, err
		}
		embedder, err := embedding.New(c.Embedder)
		if err != nil {
			return nil, err
		}

		opts := memclient.Options{
			LLM:                provider,
			Embedder:           embedder,
			CustomInstructions: c.CustomInstructions,
			Cache:              cache,
			Logger:             logger,
		}
		if c.HasVectorStore() {
			if c.VectorStore.Provider != "" && c.VectorStore.Provider != config.ProviderChromem {
				return nil, fmt.Errorf("unknown vector store provider %q", c.VectorStore.Provider)
			}
			vectors, err := vectorstore.NewChromem(*c.VectorStore)
			if err != nil {
				return nil, err
			}
			opts.Vectors = vectors
		}
		return memclient.New(opts)
	}
}

// Obtain returns the current client, building it on first use and again
// whenever the effective configuration changed. It never panics; every
// failure is reported as ErrUnavailable.
func (m *Manager) Obtain(ctx context.Context) (client *memclient.Client, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("client build panicked", "panic", r)
			client, err = nil, ErrUnavailable
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.effective(ctx)
	if err != nil {
		if m.client != nil {
			m.logger.Warn("keeping current client, config unavailable", "error", err)
			return m.client, nil
		}
		m.mode = ModeUnavailable
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hash := cfg.Hash()
	if m.client != nil && hash == m.hash && !m.reprobeDue() {
		return m.client, nil
	}

	if m.client != nil {
		m.logger.Info("rebuilding memory client", "reason", m.rebuildReason(hash))
	}
	if err := m.build(ctx, cfg, hash); err != nil {
		m.client, m.hash, m.mode = nil, "", ModeUnavailable
		m.logger.Error("memory client build failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m.client, nil
}

// effective merges the base config with stored overrides, resolves
// secrets and rewrites container hosts.
func (m *Manager) effective(ctx context.Context) (*config.Config, error) {
	var data []byte
	if m.opts.Overrides != nil {
		var err error
		data, err = m.opts.Overrides.LoadOverrides(ctx)
		if err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}
	cfg, err := config.Merge(m.opts.Base, data)
	if err != nil {
		return nil, err
	}
	config.ResolveSecrets(cfg, m.opts.Lookup, m.logger)
	m.opts.Rewriter.Rewrite(cfg)
	return cfg, nil
}

func (m *Manager) reprobeDue() bool {
	return m.mode == ModeBasic && !m.probeFailedAt.IsZero() &&
		m.opts.Now().Sub(m.probeFailedAt) >= m.opts.ReprobeInterval
}

func (m *Manager) rebuildReason(hash string) string {
	if hash != m.hash {
		return "config changed"
	}
	return "reprobe vector store"
}

func (m *Manager) build(ctx context.Context, cfg *config.Config, hash string) error {
	client, err := m.opts.Build(ctx, cfg)
	if err != nil {
		return err
	}

	mode := ModeBasic
	var failedAt time.Time
	if client.HasVectors() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
		perr := m.opts.Probe(pctx, client)
		cancel()

		if perr == nil {
			mode = ModeVector
		} else {
			m.logger.Warn("vector store unreachable, continuing in basic mode", "error", perr)
			basic := cfg.Clone()
			basic.VectorStore = nil
			if client, err = m.opts.Build(ctx, basic); err != nil {
				return err
			}
			failedAt = m.opts.Now()
		}
	}

	m.client, m.hash, m.mode, m.probeFailedAt = client, hash, mode, failedAt
	m.indexesPending = false
	if mode == ModeVector {
		m.ensureIndexes(ctx)
	}
	m.logger.Info("memory client ready", "mode", mode, "llm", cfg.LLM.Provider, "embedder", cfg.Embedder.Provider)
	return nil
}

// ensureIndexes indexes IndexedFields. A missing collection defers the
// work to the first write.
func (m *Manager) ensureIndexes(ctx context.Context) {
	vectors := m.client.Vectors()
	m.indexesPending = false
	for _, field := range IndexedFields {
		err := vectors.EnsureIndex(ctx, field)
		switch {
		case err == nil:
			m.logger.Debug("created vector index", "field", field)
		case errors.Is(err, vectorstore.ErrIndexExists):
		case errors.Is(err, vectorstore.ErrCollectionNotFound):
			m.indexesPending = true
			return
		default:
			m.logger.Warn("vector index creation failed", "field", field, "error", err)
		}
	}
}

// EnsureIndexesAfterWrite creates indexes deferred because the collection
// did not exist yet. Call it after a successful write.
func (m *Manager) EnsureIndexesAfterWrite(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.indexesPending || m.client == nil || !m.client.HasVectors() {
		return
	}
	m.ensureIndexes(ctx)
}

// IndexesPending reports whether index creation waits for a write.
func (m *Manager) IndexesPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexesPending
}

// Reset drops the current client so the next Obtain rebuilds it.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client, m.hash, m.mode = nil, "", ModeUnavailable
	m.probeFailedAt = time.Time{}
	m.indexesPending = false
	m.logger.Info("memory client reset")
}

// Mode reports the mode of the current client.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}
