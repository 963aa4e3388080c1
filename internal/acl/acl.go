// Package acl evaluates allow/deny access rules for apps reading memories.
package acl

import (
	"context"
	"fmt"

	"github.com/rcliao/memgate/internal/model"
)

// Subject is the party asking for access, usually an app.
type Subject struct {
	Type string
	ID   string
}

// Object is the memory being accessed, with the categories used by
// category rules.
type Object struct {
	ID         string
	Categories []string
}

// ObjectOf builds the access object for a memory.
func ObjectOf(m model.Memory) Object {
	return Object{ID: m.ID, Categories: m.Categories}
}

// RuleSource loads every rule that can match a subject in one query.
type RuleSource interface {
	RulesForSubject(ctx context.Context, subjectType, subjectID string) ([]model.AccessRule, error)
}

// Allows decides access for one object. Any matching deny wins, then any
// matching allow, then defaultAllow.
func Allows(rules []model.AccessRule, subject Subject, object Object, defaultAllow bool) bool {
	allowed := false
	for _, r := range rules {
		if !matchSubject(r, subject) || !matchObject(r, object) {
			continue
		}
		if r.Effect == model.EffectDeny {
			return false
		}
		if r.Effect == model.EffectAllow {
			allowed = true
		}
	}
	if allowed {
		return true
	}
	return defaultAllow
}

func matchSubject(r model.AccessRule, s Subject) bool {
	if r.SubjectType != s.Type {
		return false
	}
	return r.SubjectID == nil || *r.SubjectID == s.ID
}

func matchObject(r model.AccessRule, o Object) bool {
	switch r.ObjectType {
	case model.ObjectMemory:
		return r.ObjectID == nil || *r.ObjectID == o.ID
	case model.ObjectCategory:
		if r.ObjectID == nil {
			return len(o.Categories) > 0
		}
		for _, c := range o.Categories {
			if c == *r.ObjectID {
				return true
			}
		}
	}
	return false
}

// Evaluator filters memories by the rules stored for a subject.
type Evaluator struct {
	Rules RuleSource
	// DefaultDeny flips the no-matching-rule outcome to denied.
	DefaultDeny bool
}

// Check decides access for a single object.
func (e *Evaluator) Check(ctx context.Context, subject Subject, object Object) (bool, error) {
	rules, err := e.Rules.RulesForSubject(ctx, subject.Type, subject.ID)
	if err != nil {
		return false, fmt.Errorf("load rules: %w", err)
	}
	return Allows(rules, subject, object, !e.DefaultDeny), nil
}

// FilterAccessible returns the ids of the objects the subject may access.
// Rules are loaded once for the whole batch.
func (e *Evaluator) FilterAccessible(ctx context.Context, subject Subject, objects []Object) (map[string]bool, error) {
	out := make(map[string]bool, len(objects))
	if len(objects) == 0 {
		return out, nil
	}

	rules, err := e.Rules.RulesForSubject(ctx, subject.Type, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	for _, o := range objects {
		if Allows(rules, subject, o, !e.DefaultDeny) {
			out[o.ID] = true
		}
	}
	return out, nil
}
