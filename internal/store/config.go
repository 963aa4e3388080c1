package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MainConfigKey is the config row holding the stored session overrides.
const MainConfigKey = "main"

// LoadOverrides returns the stored configuration overrides, or nil when none are stored.
func (s *SQLiteStore) LoadOverrides(ctx context.Context) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM configs WHERE key = ?`, MainConfigKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return []byte(value), nil
}

// SaveOverrides replaces the stored configuration overrides.
func (s *SQLiteStore) SaveOverrides(ctx context.Context, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("config overrides must be valid JSON")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO configs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		MainConfigKey, string(value), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// ClearOverrides removes the stored configuration overrides.
func (s *SQLiteStore) ClearOverrides(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM configs WHERE key = ?`, MainConfigKey)
	return err
}
