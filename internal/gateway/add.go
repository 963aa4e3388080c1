package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/rcliao/memgate/internal/embedding"
	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/model"
	"github.com/rcliao/memgate/internal/store"
)

// sourceApp tags every memory written through the gateway.
const sourceApp = "memgate"

// AddedMemory is one processed event.
type AddedMemory struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Event   string `json:"event"`
}

// AddResponse is the result of Add.
type AddResponse struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Memories []AddedMemory `json:"memories"`
	UserID   string        `json:"user_id,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Add extracts memories from text and records them for the caller.
func (h *Handlers) Add(ctx context.Context, id Identity, text string) (resp AddResponse) {
	defer h.recover("add", func(msg string) {
		resp = AddResponse{Error: msg, UserID: id.UserID}
	})

	if err := id.validate(); err != nil {
		return AddResponse{Error: err.Error()}
	}
	if strings.TrimSpace(text) == "" {
		return AddResponse{Error: "text is required and cannot be empty"}
	}

	capability, err := h.capability(ctx)
	if err != nil {
		return AddResponse{Error: unavailableMessage}
	}

	// The app row is only written once extraction has succeeded.
	app, err := h.store.GetApp(ctx, id.UserID, id.App)
	registered := err == nil
	switch {
	case errors.Is(err, store.ErrNotFound):
		app = &model.App{ID: ulid.Make().String(), Owner: id.UserID, Name: id.App, IsActive: true}
	case err != nil:
		return AddResponse{Error: fmt.Sprintf("Failed to add memory: %v", err), UserID: id.UserID}
	case !app.IsActive:
		return AddResponse{Error: fmt.Sprintf("App %s is currently paused. Cannot create new memories.", app.Name)}
	}

	opts := memclient.AddOptions{
		UserID: id.UserID,
		AppID:  app.ID,
		Metadata: map[string]string{
			"source_app": sourceApp,
			"mcp_client": app.Name,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	events, err := capability.Add(cctx, text, opts)
	cancel()
	if err != nil {
		h.logger.Warn("memory extraction failed", "user", id.UserID, "error", err)
		if errors.Is(err, memclient.ErrUnrecognizedShape) || errors.Is(err, embedding.ErrNoTokens) {
			return AddResponse{Error: fmt.Sprintf("Failed to add memory: %v", err), UserID: id.UserID}
		}
		return AddResponse{Error: unavailableMessage, UserID: id.UserID}
	}

	if !registered {
		planned := app.ID
		app, err = h.store.RegisterApp(ctx, id.UserID, id.App, planned)
		if err != nil {
			return AddResponse{Error: fmt.Sprintf("Failed to add memory: %v", err), UserID: id.UserID}
		}
		if app.ID != planned {
			// A concurrent add registered the app first; index under its id.
			opts.AppID = app.ID
			h.reindexApp(ctx, capability, events, opts)
		}
	}

	params := make([]store.EventParams, 0, len(events))
	for _, e := range events {
		p := store.EventParams{
			MemoryID: e.ID,
			UserID:   id.UserID,
			AppID:    app.ID,
			Content:  e.Memory,
			Actor:    id.UserID,
		}
		switch e.Event {
		case memclient.EventAdd:
			p.Kind = store.EventAdd
			if p.MemoryID == "" {
				p.MemoryID = uuid.NewString()
			}
		case memclient.EventDelete:
			p.Kind = store.EventDelete
			if p.MemoryID == "" {
				h.logger.Warn("skipping delete event without id", "memory", e.Memory)
				continue
			}
		default:
			h.logger.Warn("skipping unknown event", "event", e.Event)
			continue
		}
		if !validID(p.MemoryID) {
			h.logger.Warn("skipping event with malformed id", "id", p.MemoryID, "event", e.Event)
			continue
		}
		params = append(params, p)
	}

	results, err := h.store.ApplyEvents(ctx, params)
	if err != nil {
		return AddResponse{Error: fmt.Sprintf("Failed to add memory: %v", err), UserID: id.UserID}
	}

	added := make([]AddedMemory, 0, len(results))
	wrote := false
	for i, r := range results {
		if !r.Applied {
			continue
		}
		content := params[i].Content
		added = append(added, AddedMemory{ID: r.Memory.ID, Content: content, Event: string(r.Kind)})
		if r.Kind != store.EventAdd {
			continue
		}
		wrote = true
		if r.Memory.ID != params[i].MemoryID {
			h.reindex(ctx, capability, params[i].MemoryID, r.Memory.ID, content, opts)
		}
		if h.categorizer != nil {
			h.categorizer.Enqueue(capability, r.Memory.ID, content)
		}
	}

	if wrote && capability.HasVectors() {
		h.sessions.EnsureIndexesAfterWrite(ctx)
	}

	h.logger.Info("processed memory operations", "user", id.UserID, "app", app.Name, "count", len(added))
	return AddResponse{
		Success:  true,
		Message:  fmt.Sprintf("Successfully processed %d memory operations", len(added)),
		Memories: added,
		UserID:   id.UserID,
	}
}

// reindex moves a vector entry after the store re-created a deleted memory
// under a fresh id.
func (h *Handlers) reindex(ctx context.Context, capability Capability, oldID, newID, content string, opts memclient.AddOptions) {
	if !capability.HasVectors() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := capability.Index(cctx, newID, content, opts); err != nil {
		h.logger.Warn("reindex failed", "from", oldID, "to", newID, "error", err)
		return
	}
	if err := capability.Delete(cctx, oldID); err != nil {
		h.logger.Warn("removing stale vector failed", "id", oldID, "error", err)
	}
}

// reindexApp rewrites the vector entries of freshly added events under
// opts.AppID.
func (h *Handlers) reindexApp(ctx context.Context, capability Capability, events []memclient.Event, opts memclient.AddOptions) {
	if !capability.HasVectors() {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	for _, e := range events {
		if e.Event != memclient.EventAdd || e.ID == "" {
			continue
		}
		if err := capability.Index(cctx, e.ID, e.Memory, opts); err != nil {
			h.logger.Warn("reindex under registered app failed", "id", e.ID, "error", err)
		}
	}
}
