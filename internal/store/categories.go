package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SetCategories replaces the categories of a memory. Unknown category
// names are created on the fly.
func (s *SQLiteStore) SetCategories(ctx context.Context, memoryID string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.getTx(ctx, tx, memoryID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_categories WHERE memory_id = ?`, memoryID); err != nil {
		return err
	}

	now := formatTime(time.Now().UTC())
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO categories (id, name, created_at) VALUES (?, ?, ?)`,
			s.newID(), name, now)
		if err != nil {
			return fmt.Errorf("insert category: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_categories (memory_id, category_id)
			 SELECT ?, id FROM categories WHERE name = ?`, memoryID, name)
		if err != nil {
			return fmt.Errorf("link category: %w", err)
		}
	}

	return tx.Commit()
}

// Categories returns the category names of a memory.
func (s *SQLiteStore) Categories(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name FROM memory_categories mc
		 JOIN categories c ON c.id = mc.category_id
		 WHERE mc.memory_id = ? ORDER BY c.name`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) categoriesByOwner(ctx context.Context, userID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mc.memory_id, c.name FROM memory_categories mc
		 JOIN categories c ON c.id = mc.category_id
		 JOIN memories m ON m.id = mc.memory_id
		 WHERE m.user_id = ? ORDER BY c.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}
