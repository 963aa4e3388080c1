package gateway

import (
	"context"
	"fmt"

	"github.com/rcliao/memgate/internal/store"
)

// VectorFailure is a memory that could not be removed from the vector index.
type VectorFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// DeleteAllResponse is the result of DeleteAll. DeletedCount counts
// lifecycle transitions, not vector deletions.
type DeleteAllResponse struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message,omitempty"`
	DeletedCount   int             `json:"deleted_count"`
	UserID         string          `json:"user_id,omitempty"`
	VectorFailures []VectorFailure `json:"vector_failures,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// DeleteAll deletes every memory of the caller the app may access. Vector
// removal is best effort; the lifecycle change happens in one transaction.
func (h *Handlers) DeleteAll(ctx context.Context, id Identity) (resp DeleteAllResponse) {
	defer h.recover("delete_all", func(msg string) {
		resp = DeleteAllResponse{UserID: id.UserID, Error: msg}
	})

	if err := id.validate(); err != nil {
		return DeleteAllResponse{Error: err.Error()}
	}

	fail := func(err error) DeleteAllResponse {
		return DeleteAllResponse{UserID: id.UserID, Error: fmt.Sprintf("Failed to delete memories: %v", err)}
	}

	app, err := h.store.GetOrCreateApp(ctx, id.UserID, id.App)
	if err != nil {
		return fail(err)
	}
	memories, err := h.accessible(ctx, id.UserID, app)
	if err != nil {
		return fail(err)
	}
	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}

	failures := h.deleteVectors(ctx, ids)

	count, err := h.store.BulkDelete(ctx, store.BulkDeleteParams{
		IDs:    ids,
		UserID: id.UserID,
		AppID:  app.ID,
		Actor:  id.UserID,
		Reason: "delete_all",
	})
	if err != nil {
		return fail(err)
	}

	h.logger.Info("deleted memories", "user", id.UserID, "app", app.Name, "count", count, "vector_failures", len(failures))
	return DeleteAllResponse{
		Success:        true,
		Message:        fmt.Sprintf("Successfully deleted %d memories", count),
		DeletedCount:   count,
		UserID:         id.UserID,
		VectorFailures: failures,
	}
}

// deleteVectors removes ids from the vector index one by one. In basic mode
// there is nothing to remove; an unavailable client fails every id.
func (h *Handlers) deleteVectors(ctx context.Context, ids []string) []VectorFailure {
	if len(ids) == 0 {
		return nil
	}
	capability, err := h.capability(ctx)
	if err != nil {
		failures := make([]VectorFailure, len(ids))
		for i, id := range ids {
			failures[i] = VectorFailure{ID: id, Error: err.Error()}
		}
		return failures
	}
	if !capability.HasVectors() {
		return nil
	}

	var failures []VectorFailure
	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := capability.Delete(cctx, id)
		cancel()
		if err != nil {
			h.logger.Warn("vector delete failed", "id", id, "error", err)
			failures = append(failures, VectorFailure{ID: id, Error: err.Error()})
		}
	}
	return failures
}
