// Package store provides the memory lifecycle store and its SQLite implementation.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/memgate/internal/model"
)

var (
	// ErrNotFound is returned when a memory, app or rule does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a state change is not an edge of the state graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrOwnerMismatch is returned when an event targets a memory of another owner.
	ErrOwnerMismatch = errors.New("memory belongs to another owner")
)

// EventKind is the kind of a proposed memory event.
type EventKind string

const (
	EventAdd    EventKind = "ADD"
	EventDelete EventKind = "DELETE"
)

// CreateParams holds parameters for creating a memory.
type CreateParams struct {
	ID       string // generated when empty
	UserID   string
	AppID    string
	Content  string
	Metadata map[string]string
	Actor    string
}

// EventParams holds one event to apply to a memory.
type EventParams struct {
	MemoryID string
	Kind     EventKind
	UserID   string
	AppID    string
	Content  string
	Metadata map[string]string
	Actor    string
	Reason   string
}

// EventResult reports the outcome of an applied event.
// Applied is false when a DELETE hit an absent or already deleted memory.
type EventResult struct {
	Memory  *model.Memory
	Kind    EventKind
	Applied bool
}

// BulkDeleteParams holds parameters for deleting many memories at once.
type BulkDeleteParams struct {
	IDs    []string
	UserID string // when set, only memories of this owner are touched
	AppID  string // when set, one delete_all access log entry is written per deleted memory
	Actor  string
	Reason string
}

// TransitionParams holds parameters for an explicit state change.
type TransitionParams struct {
	MemoryID string
	State    model.State
	Actor    string
	Reason   string
}

// ListParams holds parameters for listing memories of an owner.
type ListParams struct {
	UserID string
	AppID  string
	States []model.State
	Limit  int
}

// Store defines the memory lifecycle interface.
type Store interface {
	// Create inserts an active memory and its creation transition.
	Create(ctx context.Context, p CreateParams) (*model.Memory, error)

	// ApplyEvent applies a single ADD or DELETE event.
	ApplyEvent(ctx context.Context, p EventParams) (*EventResult, error)

	// ApplyEvents applies events in order inside one transaction.
	ApplyEvents(ctx context.Context, events []EventParams) ([]EventResult, error)

	// BulkDelete flips every non-deleted memory in the set to deleted.
	// Returns the number of memories actually transitioned.
	BulkDelete(ctx context.Context, p BulkDeleteParams) (int, error)

	// Transition moves a memory to another state along the state graph.
	Transition(ctx context.Context, p TransitionParams) (*model.Memory, error)

	// Get retrieves a memory by id.
	Get(ctx context.Context, id string) (*model.Memory, error)

	// History returns the transitions of a memory, oldest first.
	History(ctx context.Context, id string) ([]model.Transition, error)

	// ListByOwner lists memories of an owner.
	ListByOwner(ctx context.Context, p ListParams) ([]model.Memory, error)

	// Close closes the store.
	Close() error
}
