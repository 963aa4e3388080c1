// Package gateway implements the memory operations exposed to client
// applications: add, search, list and deleteAll. Handlers combine the
// session's memory client, the lifecycle store and the access evaluator,
// and degrade instead of failing when the vector backend is down.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/memgate/internal/acl"
	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/model"
	"github.com/rcliao/memgate/internal/session"
	"github.com/rcliao/memgate/internal/store"
	"github.com/rcliao/memgate/internal/vectorstore"
)

// ErrValidation marks requests rejected before any side effect.
var ErrValidation = errors.New("validation failed")

// DefaultTimeout bounds every call into the memory client.
const DefaultTimeout = 30 * time.Second

const searchLimit = 10

// Search methods reported in SearchResponse.Method.
const (
	MethodClient   = "memory_client"
	MethodDirect   = "direct_vector"
	MethodFallback = "fallback"
)

const unavailableMessage = "Memory system is currently unavailable. Please try again later."

// Identity is the per-call caller: the accessor owning the memories and
// the calling application.
type Identity struct {
	UserID string
	App    string
}

func (id Identity) validate() error {
	if id.UserID == "" {
		return fmt.Errorf("user_id not provided: %w", ErrValidation)
	}
	if id.App == "" {
		return fmt.Errorf("client_name not provided: %w", ErrValidation)
	}
	return nil
}

// Capability is the part of the memory client the handlers use.
type Capability interface {
	Add(ctx context.Context, text string, opts memclient.AddOptions) ([]memclient.Event, error)
	Index(ctx context.Context, id, text string, opts memclient.AddOptions) error
	Search(ctx context.Context, query, userID string, limit int) ([]memclient.Hit, error)
	GetAll(ctx context.Context, userID string) ([]memclient.Hit, error)
	Delete(ctx context.Context, ids ...string) error
	Categorize(ctx context.Context, text string) ([]string, error)
	HasVectors() bool
	Vectors() vectorstore.Backend
	Embedder() embedding.Embedder
}

// Sessions hands out the current capability.
type Sessions interface {
	Obtain(ctx context.Context) (Capability, error)
	EnsureIndexesAfterWrite(ctx context.Context)
}

// Store is the lifecycle store as used by the handlers.
type Store interface {
	acl.RuleSource
	GetOrCreateApp(ctx context.Context, owner, name string) (*model.App, error)
	GetApp(ctx context.Context, owner, name string) (*model.App, error)
	RegisterApp(ctx context.Context, owner, name, id string) (*model.App, error)
	SetAppActive(ctx context.Context, owner, name string, active bool) (*model.App, error)
	ApplyEvents(ctx context.Context, events []store.EventParams) ([]store.EventResult, error)
	BulkDelete(ctx context.Context, p store.BulkDeleteParams) (int, error)
	ListByOwner(ctx context.Context, p store.ListParams) ([]model.Memory, error)
	Transition(ctx context.Context, p store.TransitionParams) (*model.Memory, error)
	Get(ctx context.Context, id string) (*model.Memory, error)
	History(ctx context.Context, id string) ([]model.Transition, error)
	LogAccess(ctx context.Context, entries []model.AccessLogEntry) error
	SetCategories(ctx context.Context, memoryID string, names []string) error
}

// FromManager adapts a session manager to Sessions.
func FromManager(m *session.Manager) Sessions {
	return managerSessions{m}
}

type managerSessions struct{ m *session.Manager }

func (s managerSessions) Obtain(ctx context.Context) (Capability, error) {
	c, err := s.m.Obtain(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s managerSessions) EnsureIndexesAfterWrite(ctx context.Context) {
	s.m.EnsureIndexesAfterWrite(ctx)
}

// Options configures Handlers.
type Options struct {
	Store    Store
	Sessions Sessions
	// DefaultDeny denies access when no rule matches. Off by default.
	DefaultDeny bool
	// Categorizer receives newly added memories; nil disables categorization.
	Categorizer *Categorizer
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Handlers serves memory operations. It is safe for concurrent use.
type Handlers struct {
	store       Store
	sessions    Sessions
	acl         *acl.Evaluator
	categorizer *Categorizer
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates the handlers.
func New(opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handlers{
		store:       opts.Store,
		sessions:    opts.Sessions,
		acl:         &acl.Evaluator{Rules: opts.Store, DefaultDeny: opts.DefaultDeny},
		categorizer: opts.Categorizer,
		timeout:     timeout,
		logger:      logger.With("component", "gateway"),
	}
}

// capability obtains the current client. A nil capability with a non-nil
// error means the memory system is unavailable.
func (h *Handlers) capability(ctx context.Context) (Capability, error) {
	c, err := h.sessions.Obtain(ctx)
	if err != nil {
		h.logger.Warn("memory client unavailable", "error", err)
		return nil, err
	}
	return c, nil
}

// accessible returns the owner's active memories the app may access. A
// paused app can access nothing.
func (h *Handlers) accessible(ctx context.Context, userID string, app *model.App) ([]model.Memory, error) {
	if !app.IsActive {
		return nil, nil
	}
	memories, err := h.store.ListByOwner(ctx, store.ListParams{
		UserID: userID,
		States: []model.State{model.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}

	objects := make([]acl.Object, len(memories))
	for i, m := range memories {
		objects[i] = acl.ObjectOf(m)
	}
	allowed, err := h.acl.FilterAccessible(ctx, acl.Subject{Type: model.SubjectApp, ID: app.ID}, objects)
	if err != nil {
		return nil, err
	}

	out := memories[:0]
	for _, m := range memories {
		if allowed[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// logAccess writes access entries without failing the operation.
func (h *Handlers) logAccess(ctx context.Context, entries []model.AccessLogEntry) {
	if err := h.store.LogAccess(ctx, entries); err != nil {
		h.logger.Warn("access log write failed", "entries", len(entries), "error", err)
	}
}

// recover turns a panic into a failed response via fail.
func (h *Handlers) recover(op string, fail func(msg string)) {
	if r := recover(); r != nil {
		h.logger.Error("handler panicked", "op", op, "panic", r, "stack", string(debug.Stack()))
		fail(fmt.Sprintf("Internal error during %s", op))
	}
}

// validID reports whether id is a well-formed memory id.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
