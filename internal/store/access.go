package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/memgate/internal/model"
)

// LogAccess writes access log entries in one transaction. An entry that
// cannot be encoded or inserted is skipped; the rest are still written and
// the skipped ones are reported in the returned error.
func (s *SQLiteStore) LogAccess(ctx context.Context, entries []model.AccessLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var skipped []error
	for _, e := range entries {
		if err := s.insertAccessLogTx(ctx, tx, e); err != nil {
			skipped = append(skipped, fmt.Errorf("memory %s: %w", e.MemoryID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return errors.Join(skipped...)
}

func (s *SQLiteStore) insertAccessLogTx(ctx context.Context, tx *sql.Tx, e model.AccessLogEntry) error {
	if e.AccessedAt.IsZero() {
		e.AccessedAt = time.Now().UTC()
	}

	var metaPtr *string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode access metadata: %w", err)
		}
		v := string(b)
		metaPtr = &v
	}

	var appPtr *string
	if e.AppID != "" {
		appPtr = &e.AppID
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_access_logs (id, memory_id, app_id, access_type, accessed_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.newID(), e.MemoryID, appPtr, e.AccessType, formatTime(e.AccessedAt), metaPtr)
	if err != nil {
		return fmt.Errorf("insert access log: %w", err)
	}
	return nil
}

// AccessLog returns the access log of a memory, oldest first.
func (s *SQLiteStore) AccessLog(ctx context.Context, memoryID string) ([]model.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, app_id, access_type, accessed_at, metadata
		 FROM memory_access_logs WHERE memory_id = ? ORDER BY rowid`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AccessLogEntry
	for rows.Next() {
		var e model.AccessLogEntry
		var appID, meta sql.NullString
		var accessedAt string
		if err := rows.Scan(&e.ID, &e.MemoryID, &appID, &e.AccessType, &accessedAt, &meta); err != nil {
			return nil, err
		}
		e.AppID = appID.String
		e.AccessedAt = parseTime(accessedAt)
		if meta.Valid {
			json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
