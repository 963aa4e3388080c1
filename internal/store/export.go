package store

import (
	"context"

	"github.com/rcliao/memgate/internal/model"
)

// ExportedMemory is a memory together with its full status history.
type ExportedMemory struct {
	model.Memory
	History []model.Transition `json:"history"`
}

// ExportAll returns every memory of an owner, tombstones included, with history.
func (s *SQLiteStore) ExportAll(ctx context.Context, userID string) ([]ExportedMemory, error) {
	memories, err := s.ListByOwner(ctx, ListParams{UserID: userID})
	if err != nil {
		return nil, err
	}

	out := make([]ExportedMemory, 0, len(memories))
	for _, m := range memories {
		history, err := s.History(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ExportedMemory{Memory: m, History: history})
	}
	return out, nil
}
