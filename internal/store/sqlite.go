package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/memgate/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy io.Reader
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// Write transactions take the database lock up front so concurrent writers
// to the same memory serialize instead of interleaving reads and writes.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		name        TEXT NOT NULL,
		is_active   INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		UNIQUE (owner, name)
	);

	CREATE TABLE IF NOT EXISTS configs (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		app_id      TEXT NOT NULL REFERENCES apps(id),
		content     TEXT NOT NULL,
		metadata    TEXT,
		state       TEXT NOT NULL DEFAULT 'active',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		archived_at TEXT,
		deleted_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user_state ON memories(user_id, state);
	CREATE INDEX IF NOT EXISTS idx_memories_app_state ON memories(app_id, state);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);

	CREATE TABLE IF NOT EXISTS memory_status_history (
		id          TEXT PRIMARY KEY,
		memory_id   TEXT NOT NULL REFERENCES memories(id),
		changed_by  TEXT,
		old_state   TEXT,
		new_state   TEXT NOT NULL,
		changed_at  TEXT NOT NULL,
		reason      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_memory ON memory_status_history(memory_id);
	CREATE INDEX IF NOT EXISTS idx_history_changed_at ON memory_status_history(changed_at);

	CREATE TABLE IF NOT EXISTS memory_access_logs (
		id          TEXT PRIMARY KEY,
		memory_id   TEXT NOT NULL REFERENCES memories(id),
		app_id      TEXT,
		access_type TEXT NOT NULL,
		accessed_at TEXT NOT NULL,
		metadata    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_access_memory_time ON memory_access_logs(memory_id, accessed_at);
	CREATE INDEX IF NOT EXISTS idx_access_app_time ON memory_access_logs(app_id, accessed_at);

	CREATE TABLE IF NOT EXISTS access_controls (
		id           TEXT PRIMARY KEY,
		subject_type TEXT NOT NULL,
		subject_id   TEXT,
		object_type  TEXT NOT NULL,
		object_id    TEXT,
		effect       TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_subject ON access_controls(subject_type, subject_id);

	CREATE TABLE IF NOT EXISTS categories (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		created_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_categories (
		memory_id   TEXT NOT NULL REFERENCES memories(id),
		category_id TEXT NOT NULL REFERENCES categories(id),
		PRIMARY KEY (memory_id, category_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, p CreateParams) (*model.Memory, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := s.createTx(ctx, tx, p, "")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) createTx(ctx context.Context, tx *sql.Tx, p CreateParams, reason string) (*model.Memory, error) {
	now := time.Now().UTC()
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	metaJSON, err := encodeMeta(p.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, app_id, content, metadata, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.UserID, p.AppID, p.Content, metaJSON, model.StateActive, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if err := s.insertTransitionTx(ctx, tx, id, p.Actor, nil, model.StateActive, reason, now); err != nil {
		return nil, err
	}

	return &model.Memory{
		ID:        id,
		UserID:    p.UserID,
		AppID:     p.AppID,
		Content:   p.Content,
		State:     model.StateActive,
		Metadata:  p.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) ApplyEvent(ctx context.Context, p EventParams) (*EventResult, error) {
	results, err := s.ApplyEvents(ctx, []EventParams{p})
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

func (s *SQLiteStore) ApplyEvents(ctx context.Context, events []EventParams) ([]EventResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	results := make([]EventResult, 0, len(events))
	for _, p := range events {
		r, err := s.applyEventTx(ctx, tx, p)
		if err != nil {
			return nil, fmt.Errorf("apply %s %s: %w", p.Kind, p.MemoryID, err)
		}
		results = append(results, *r)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *SQLiteStore) applyEventTx(ctx context.Context, tx *sql.Tx, p EventParams) (*EventResult, error) {
	switch p.Kind {
	case EventAdd:
		create := CreateParams{
			ID:       p.MemoryID,
			UserID:   p.UserID,
			AppID:    p.AppID,
			Content:  p.Content,
			Metadata: p.Metadata,
			Actor:    p.Actor,
		}
		if p.MemoryID == "" {
			m, err := s.createTx(ctx, tx, create, p.Reason)
			if err != nil {
				return nil, err
			}
			return &EventResult{Memory: m, Kind: EventAdd, Applied: true}, nil
		}

		cur, err := s.getTx(ctx, tx, p.MemoryID)
		if errors.Is(err, ErrNotFound) {
			m, err := s.createTx(ctx, tx, create, p.Reason)
			if err != nil {
				return nil, err
			}
			return &EventResult{Memory: m, Kind: EventAdd, Applied: true}, nil
		}
		if err != nil {
			return nil, err
		}
		if cur.UserID != p.UserID {
			return nil, ErrOwnerMismatch
		}

		// Tombstones are terminal: the content comes back under a fresh id.
		if cur.State == model.StateDeleted {
			create.ID = ""
			m, err := s.createTx(ctx, tx, create, "recreated from deleted memory "+cur.ID)
			if err != nil {
				return nil, err
			}
			return &EventResult{Memory: m, Kind: EventAdd, Applied: true}, nil
		}

		now := time.Now().UTC()
		cur.Content = p.Content
		if p.Metadata != nil {
			cur.Metadata = p.Metadata
		}
		metaJSON, err := encodeMeta(cur.Metadata)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE memories SET content = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			cur.Content, metaJSON, formatTime(now), cur.ID)
		if err != nil {
			return nil, fmt.Errorf("update memory: %w", err)
		}
		if err := s.setStateTx(ctx, tx, cur, model.StateActive, p.Actor, p.Reason, now); err != nil {
			return nil, err
		}
		return &EventResult{Memory: cur, Kind: EventAdd, Applied: true}, nil

	case EventDelete:
		cur, err := s.getTx(ctx, tx, p.MemoryID)
		if errors.Is(err, ErrNotFound) {
			return &EventResult{Kind: EventDelete}, nil
		}
		if err != nil {
			return nil, err
		}
		if cur.State == model.StateDeleted {
			return &EventResult{Memory: cur, Kind: EventDelete}, nil
		}
		if p.UserID != "" && cur.UserID != p.UserID {
			return nil, ErrOwnerMismatch
		}
		if err := s.setStateTx(ctx, tx, cur, model.StateDeleted, p.Actor, p.Reason, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &EventResult{Memory: cur, Kind: EventDelete, Applied: true}, nil
	}

	return nil, fmt.Errorf("unknown event kind %q", p.Kind)
}

func (s *SQLiteStore) BulkDelete(ctx context.Context, p BulkDeleteParams) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	count := 0
	for _, id := range p.IDs {
		cur, err := s.getTx(ctx, tx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if cur.State == model.StateDeleted {
			continue
		}
		if p.UserID != "" && cur.UserID != p.UserID {
			continue
		}

		if err := s.setStateTx(ctx, tx, cur, model.StateDeleted, p.Actor, p.Reason, now); err != nil {
			return 0, err
		}
		if p.AppID != "" {
			entry := model.AccessLogEntry{
				MemoryID:   id,
				AppID:      p.AppID,
				AccessType: model.AccessDeleteAll,
				AccessedAt: now,
				Metadata:   map[string]any{"operation": "bulk_delete"},
			}
			if err := s.insertAccessLogTx(ctx, tx, entry); err != nil {
				return 0, err
			}
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, p TransitionParams) (*model.Memory, error) {
	if !model.ValidStates[p.State] {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, p.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := s.getTx(ctx, tx, p.MemoryID)
	if err != nil {
		return nil, err
	}
	if cur.State == p.State && cur.State != model.StateDeleted {
		return cur, nil
	}
	if err := s.setStateTx(ctx, tx, cur, p.State, p.Actor, p.Reason, time.Now().UTC()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

// setStateTx moves m to next, keeping archived_at and deleted_at in step
// with the state, and appends the matching transition row.
func (s *SQLiteStore) setStateTx(ctx context.Context, tx *sql.Tx, m *model.Memory, next model.State, actor, reason string, now time.Time) error {
	old := m.State
	if !model.CanTransition(&old, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
	}

	var archivedAt, deletedAt *string
	m.ArchivedAt, m.DeletedAt = nil, nil
	switch next {
	case model.StateArchived:
		v := formatTime(now)
		archivedAt = &v
		m.ArchivedAt = &now
	case model.StateDeleted:
		v := formatTime(now)
		deletedAt = &v
		m.DeletedAt = &now
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE memories SET state = ?, updated_at = ?, archived_at = ?, deleted_at = ? WHERE id = ?`,
		next, formatTime(now), archivedAt, deletedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	m.State = next
	m.UpdatedAt = now

	return s.insertTransitionTx(ctx, tx, m.ID, actor, &old, next, reason, now)
}

func (s *SQLiteStore) insertTransitionTx(ctx context.Context, tx *sql.Tx, memoryID, actor string, old *model.State, next model.State, reason string, at time.Time) error {
	var oldPtr, actorPtr, reasonPtr *string
	if old != nil {
		v := string(*old)
		oldPtr = &v
	}
	if actor != "" {
		actorPtr = &actor
	}
	if reason != "" {
		reasonPtr = &reason
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO memory_status_history (id, memory_id, changed_by, old_state, new_state, changed_at, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.newID(), memoryID, actorPtr, oldPtr, next, formatTime(at), reasonPtr)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

const memoryColumns = `id, user_id, app_id, content, metadata, state, created_at, updated_at, archived_at, deleted_at`

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, id string) (*model.Memory, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	cats, err := s.Categories(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Categories = cats
	return &m, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) ([]model.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, changed_by, old_state, new_state, changed_at, reason
		 FROM memory_status_history WHERE memory_id = ?
		 ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.Transition
	for rows.Next() {
		var t model.Transition
		var changedBy, oldState, reason sql.NullString
		var newState, changedAt string
		if err := rows.Scan(&t.ID, &t.MemoryID, &changedBy, &oldState, &newState, &changedAt, &reason); err != nil {
			return nil, err
		}
		t.ChangedBy = changedBy.String
		t.Reason = reason.String
		t.NewState = model.State(newState)
		if oldState.Valid {
			st := model.State(oldState.String)
			t.OldState = &st
		}
		t.ChangedAt = parseTime(changedAt)
		history = append(history, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(history) == 0 {
		return nil, fmt.Errorf("history of %s: %w", id, ErrNotFound)
	}
	return history, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, p ListParams) ([]model.Memory, error) {
	where := []string{"user_id = ?"}
	args := []interface{}{p.UserID}

	if p.AppID != "" {
		where = append(where, "app_id = ?")
		args = append(args, p.AppID)
	}
	if len(p.States) > 0 {
		marks := make([]string, len(p.States))
		for i, st := range p.States {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if p.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cats, err := s.categoriesByOwner(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	for i := range memories {
		memories[i].Categories = cats[memories[i].ID]
	}

	return memories, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var meta, archivedAt, deletedAt sql.NullString
	var state, createdAt, updatedAt string

	err := row.Scan(
		&m.ID, &m.UserID, &m.AppID, &m.Content, &meta, &state,
		&createdAt, &updatedAt, &archivedAt, &deletedAt,
	)
	if err != nil {
		return m, err
	}

	m.State = model.State(state)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	if archivedAt.Valid {
		t := parseTime(archivedAt.String)
		m.ArchivedAt = &t
	}
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		m.DeletedAt = &t
	}

	return m, nil
}

func encodeMeta(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	v := string(b)
	return &v, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
