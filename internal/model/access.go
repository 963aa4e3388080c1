package model

import "time"

// Effect is the outcome an access rule grants.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Subject and object types understood by the evaluator.
const (
	SubjectApp     = "app"
	ObjectMemory   = "memory"
	ObjectCategory = "category"
)

// AccessRule grants or denies a subject access to an object.
// A nil SubjectID or ObjectID is a wildcard over its type.
type AccessRule struct {
	ID          string    `json:"id"`
	SubjectType string    `json:"subject_type"`
	SubjectID   *string   `json:"subject_id"`
	ObjectType  string    `json:"object_type"`
	ObjectID    *string   `json:"object_id"`
	Effect      Effect    `json:"effect"`
	CreatedAt   time.Time `json:"created_at"`
}

// Access types written to the access log.
const (
	AccessSearch    = "search"
	AccessList      = "list"
	AccessDeleteAll = "delete_all"
)

// AccessLogEntry records one read or delete of a memory by an app.
type AccessLogEntry struct {
	ID         string         `json:"id"`
	MemoryID   string         `json:"memory_id"`
	AppID      string         `json:"app_id"`
	AccessType string         `json:"access_type"`
	AccessedAt time.Time      `json:"accessed_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
