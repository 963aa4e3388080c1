package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rcliao/memgate/internal/model"
)

var validObjectTypes = map[string]bool{
	model.ObjectMemory:   true,
	model.ObjectCategory: true,
}

// AddRule stores an access rule.
func (s *SQLiteStore) AddRule(ctx context.Context, r model.AccessRule) (*model.AccessRule, error) {
	if r.Effect != model.EffectAllow && r.Effect != model.EffectDeny {
		return nil, fmt.Errorf("invalid effect %q (valid: allow, deny)", r.Effect)
	}
	if r.SubjectType == "" {
		return nil, fmt.Errorf("subject type is required")
	}
	if !validObjectTypes[r.ObjectType] {
		return nil, fmt.Errorf("invalid object type %q (valid: memory, category)", r.ObjectType)
	}

	r.ID = s.newID()
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_controls (id, subject_type, subject_id, object_type, object_id, effect, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SubjectType, r.SubjectID, r.ObjectType, r.ObjectID, r.Effect, formatTime(r.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	return &r, nil
}

// DeleteRule removes an access rule by id.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_controls WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

// RulesForSubject loads every rule that can match the subject: rules for
// its exact id and wildcard rules over its type. One query per call.
func (s *SQLiteStore) RulesForSubject(ctx context.Context, subjectType, subjectID string) ([]model.AccessRule, error) {
	return s.queryRules(ctx,
		`SELECT id, subject_type, subject_id, object_type, object_id, effect, created_at
		 FROM access_controls
		 WHERE subject_type = ? AND (subject_id IS NULL OR subject_id = ?)
		 ORDER BY rowid`, subjectType, subjectID)
}

// ListRules returns all stored rules.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]model.AccessRule, error) {
	return s.queryRules(ctx,
		`SELECT id, subject_type, subject_id, object_type, object_id, effect, created_at
		 FROM access_controls ORDER BY rowid`)
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]model.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AccessRule
	for rows.Next() {
		var r model.AccessRule
		var subjectID, objectID sql.NullString
		var effect, createdAt string
		if err := rows.Scan(&r.ID, &r.SubjectType, &subjectID, &r.ObjectType, &objectID, &effect, &createdAt); err != nil {
			return nil, err
		}
		if subjectID.Valid {
			r.SubjectID = &subjectID.String
		}
		if objectID.Valid {
			r.ObjectID = &objectID.String
		}
		r.Effect = model.Effect(effect)
		r.CreatedAt = parseTime(createdAt)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
