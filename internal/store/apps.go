package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/memgate/internal/model"
)

// GetOrCreateApp returns the app registered under owner with the given
// name, registering it as active on first use.
func (s *SQLiteStore) GetOrCreateApp(ctx context.Context, owner, name string) (*model.App, error) {
	return s.RegisterApp(ctx, owner, name, "")
}

// RegisterApp is GetOrCreateApp with a caller-chosen id for the new row.
// When the app already exists its stored id wins.
func (s *SQLiteStore) RegisterApp(ctx context.Context, owner, name, id string) (*model.App, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("owner and app name are required")
	}
	if id == "" {
		id = s.newID()
	}

	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO apps (id, owner, name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		id, owner, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert app: %w", err)
	}
	return s.GetApp(ctx, owner, name)
}

// GetApp looks up an app by owner and name.
func (s *SQLiteStore) GetApp(ctx context.Context, owner, name string) (*model.App, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, is_active, created_at, updated_at FROM apps WHERE owner = ? AND name = ?`,
		owner, name)
	a, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app %s/%s: %w", owner, name, ErrNotFound)
	}
	return a, err
}

// SetAppActive pauses or resumes an app.
func (s *SQLiteStore) SetAppActive(ctx context.Context, owner, name string, active bool) (*model.App, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE apps SET is_active = ?, updated_at = ? WHERE owner = ? AND name = ?`,
		active, formatTime(time.Now().UTC()), owner, name)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("app %s/%s: %w", owner, name, ErrNotFound)
	}
	return s.GetApp(ctx, owner, name)
}

// ListApps returns the apps registered under owner.
func (s *SQLiteStore) ListApps(ctx context.Context, owner string) ([]model.App, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, is_active, created_at, updated_at FROM apps WHERE owner = ? ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []model.App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

func scanApp(row scanner) (*model.App, error) {
	var a model.App
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Owner, &a.Name, &a.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}
