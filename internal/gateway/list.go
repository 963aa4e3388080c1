package gateway

import (
	"context"
	"fmt"

	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/model"
)

// ListedMemory is one accessible memory.
type ListedMemory struct {
	ID         string            `json:"id"`
	Memory     string            `json:"memory"`
	Hash       string            `json:"hash,omitempty"`
	Categories []string          `json:"categories,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

// ListResponse is the result of List. Memories is never nil.
type ListResponse struct {
	Memories []ListedMemory `json:"memories"`
	UserID   string         `json:"user_id,omitempty"`
	Count    int            `json:"count"`
	Error    string         `json:"error,omitempty"`
}

// List returns every memory of the caller the app may access. The store is
// authoritative; the memory client's listing only adds content hashes.
func (h *Handlers) List(ctx context.Context, id Identity) (resp ListResponse) {
	defer h.recover("list", func(msg string) {
		resp = ListResponse{Memories: []ListedMemory{}, UserID: id.UserID, Error: msg}
	})

	if err := id.validate(); err != nil {
		return ListResponse{Memories: []ListedMemory{}, Error: err.Error()}
	}

	fail := func(err error) ListResponse {
		return ListResponse{Memories: []ListedMemory{}, UserID: id.UserID, Error: fmt.Sprintf("Failed to get memories: %v", err)}
	}

	app, err := h.store.GetOrCreateApp(ctx, id.UserID, id.App)
	if err != nil {
		return fail(err)
	}
	memories, err := h.accessible(ctx, id.UserID, app)
	if err != nil {
		return fail(err)
	}

	raw := h.rawListing(ctx, id.UserID)

	items := make([]ListedMemory, 0, len(memories))
	entries := make([]model.AccessLogEntry, 0, len(memories))
	for _, m := range memories {
		item := ListedMemory{
			ID:         m.ID,
			Memory:     m.Content,
			Categories: m.Categories,
			Metadata:   m.Metadata,
			CreatedAt:  formatTime(m.CreatedAt),
			UpdatedAt:  formatTime(m.UpdatedAt),
		}
		meta := map[string]any{}
		if hit, ok := raw[m.ID]; ok && hit.Hash != "" {
			item.Hash = hit.Hash
			meta["hash"] = hit.Hash
		}
		items = append(items, item)
		entries = append(entries, model.AccessLogEntry{
			MemoryID:   m.ID,
			AppID:      app.ID,
			AccessType: model.AccessList,
			Metadata:   meta,
		})
	}
	h.logAccess(ctx, entries)

	h.logger.Info("listed memories", "user", id.UserID, "app", app.Name, "count", len(items))
	return ListResponse{Memories: items, UserID: id.UserID, Count: len(items)}
}

// rawListing indexes the memory client's listing by id. It is empty when
// the client is unavailable, runs in basic mode or fails.
func (h *Handlers) rawListing(ctx context.Context, userID string) map[string]memclient.Hit {
	out := map[string]memclient.Hit{}
	capability, err := h.capability(ctx)
	if err != nil || !capability.HasVectors() {
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	hits, err := capability.GetAll(cctx, userID)
	if err != nil {
		h.logger.Warn("memory client listing failed", "error", err)
		return out
	}
	for _, hit := range hits {
		if !validID(hit.ID) {
			h.logger.Warn("skipping listed memory with malformed id", "id", hit.ID)
			continue
		}
		out[hit.ID] = hit
	}
	return out
}
