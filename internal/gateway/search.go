package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/memgate/internal/memclient"
	"github.com/rcliao/memgate/internal/model"
	"github.com/rcliao/memgate/internal/vectorstore"
)

// SearchResult is one surfaced memory.
type SearchResult struct {
	ID        string  `json:"id"`
	Memory    string  `json:"memory"`
	Score     float64 `json:"score"`
	Hash      string  `json:"hash,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// SearchResponse is the result of Search. Results is never nil.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Query   string         `json:"query,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
	Count   int            `json:"count"`
	Method  string         `json:"method,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Search ranks the caller's accessible memories against query. It tries
// the memory client, then a direct vector query, and finally answers with
// an empty fallback result.
func (h *Handlers) Search(ctx context.Context, id Identity, query string) (resp SearchResponse) {
	defer h.recover("search", func(msg string) {
		resp = SearchResponse{Results: []SearchResult{}, Query: query, UserID: id.UserID, Method: MethodFallback, Error: msg}
	})

	if err := id.validate(); err != nil {
		return SearchResponse{Results: []SearchResult{}, Error: err.Error()}
	}
	if strings.TrimSpace(query) == "" {
		return SearchResponse{Results: []SearchResult{}, Error: "query is required and cannot be empty"}
	}

	fail := func(err error) SearchResponse {
		return SearchResponse{
			Results: []SearchResult{},
			Query:   query,
			UserID:  id.UserID,
			Method:  MethodFallback,
			Error:   fmt.Sprintf("Search failed: %v", err),
		}
	}

	app, err := h.store.GetOrCreateApp(ctx, id.UserID, id.App)
	if err != nil {
		return fail(err)
	}
	memories, err := h.accessible(ctx, id.UserID, app)
	if err != nil {
		return fail(err)
	}
	allowed := make(map[string]bool, len(memories))
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		allowed[m.ID] = true
		ids = append(ids, m.ID)
	}

	capability, capErr := h.capability(ctx)
	hits, method, err := h.rank(ctx, capability, capErr, query, id.UserID, ids)
	if err != nil {
		return fail(err)
	}

	results := make([]SearchResult, 0, len(hits))
	entries := make([]model.AccessLogEntry, 0, len(hits))
	for _, hit := range hits {
		if !validID(hit.ID) {
			h.logger.Warn("skipping hit with malformed id", "id", hit.ID, "method", method)
			continue
		}
		if !allowed[hit.ID] {
			continue
		}
		results = append(results, SearchResult{
			ID:        hit.ID,
			Memory:    hit.Memory,
			Score:     hit.Score,
			Hash:      hit.Hash,
			CreatedAt: hit.CreatedAt,
			UpdatedAt: hit.UpdatedAt,
		})
		meta := map[string]any{"query": query, "score": hit.Score, "method": method}
		if hit.Hash != "" {
			meta["hash"] = hit.Hash
		}
		entries = append(entries, model.AccessLogEntry{
			MemoryID:   hit.ID,
			AppID:      app.ID,
			AccessType: model.AccessSearch,
			Metadata:   meta,
		})
	}
	h.logAccess(ctx, entries)

	h.logger.Info("search finished", "user", id.UserID, "method", method, "count", len(results))
	return SearchResponse{
		Results: results,
		Query:   query,
		UserID:  id.UserID,
		Count:   len(results),
		Method:  method,
	}
}

// rank returns hits from the first path that works. The error is the
// primary failure and is only returned when every path failed.
func (h *Handlers) rank(ctx context.Context, capability Capability, capErr error, query, userID string, ids []string) ([]memclient.Hit, string, error) {
	if capability == nil {
		return nil, "", capErr
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	hits, primaryErr := capability.Search(cctx, query, userID, searchLimit)
	if primaryErr == nil {
		return hits, MethodClient, nil
	}
	h.logger.Warn("memory client search failed", "error", primaryErr)

	hits, err := h.searchDirect(cctx, capability, query, userID, ids)
	if err == nil {
		return hits, MethodDirect, nil
	}
	h.logger.Error("direct vector search failed", "error", err)
	return nil, "", primaryErr
}

// searchDirect queries the vector backend with an explicit owner filter,
// narrowed to ids when there are any.
func (h *Handlers) searchDirect(ctx context.Context, capability Capability, query, userID string, ids []string) ([]memclient.Hit, error) {
	vectors := capability.Vectors()
	if vectors == nil {
		return nil, memclient.ErrNoVectorStore
	}
	embedder := capability.Embedder()
	if embedder == nil {
		return nil, errors.New("no embedder")
	}
	v, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := vectors.Query(ctx, v, vectorstore.Filter{UserID: userID, IDs: ids}, searchLimit)
	if err != nil {
		return nil, err
	}
	return memclient.ToHits(hits), nil
}
