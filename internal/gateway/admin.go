package gateway

import (
	"context"
	"fmt"

	"github.com/rcliao/memgate/internal/model"
	"github.com/rcliao/memgate/internal/store"
)

// SetMemoryState pauses, archives or reactivates one of the caller's
// memories. Deletion goes through DeleteAll or the extraction events.
func (h *Handlers) SetMemoryState(ctx context.Context, id Identity, memoryID string, state model.State, reason string) (*model.Memory, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("user_id not provided: %w", ErrValidation)
	}
	switch state {
	case model.StateActive, model.StatePaused, model.StateArchived:
	default:
		return nil, fmt.Errorf("state %q cannot be set directly: %w", state, ErrValidation)
	}
	if _, err := h.owned(ctx, id.UserID, memoryID); err != nil {
		return nil, err
	}

	m, err := h.store.Transition(ctx, store.TransitionParams{
		MemoryID: memoryID,
		State:    state,
		Actor:    id.UserID,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}
	h.logger.Info("memory state changed", "id", memoryID, "state", state)
	return m, nil
}

// History returns the transitions of one of the caller's memories.
func (h *Handlers) History(ctx context.Context, id Identity, memoryID string) ([]model.Transition, error) {
	if id.UserID == "" {
		return nil, fmt.Errorf("user_id not provided: %w", ErrValidation)
	}
	if _, err := h.owned(ctx, id.UserID, memoryID); err != nil {
		return nil, err
	}
	return h.store.History(ctx, memoryID)
}

// PauseApp stops an app from writing and reading memories.
func (h *Handlers) PauseApp(ctx context.Context, userID, app string) (*model.App, error) {
	return h.setAppActive(ctx, userID, app, false)
}

// ResumeApp lifts a pause.
func (h *Handlers) ResumeApp(ctx context.Context, userID, app string) (*model.App, error) {
	return h.setAppActive(ctx, userID, app, true)
}

func (h *Handlers) setAppActive(ctx context.Context, userID, app string, active bool) (*model.App, error) {
	if userID == "" || app == "" {
		return nil, fmt.Errorf("user_id and app are required: %w", ErrValidation)
	}
	a, err := h.store.SetAppActive(ctx, userID, app, active)
	if err != nil {
		return nil, err
	}
	h.logger.Info("app updated", "user", userID, "app", app, "active", active)
	return a, nil
}

// owned loads a memory and hides memories of other owners.
func (h *Handlers) owned(ctx context.Context, userID, memoryID string) (*model.Memory, error) {
	m, err := h.store.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, fmt.Errorf("memory %s: %w", memoryID, store.ErrNotFound)
	}
	return m, nil
}
