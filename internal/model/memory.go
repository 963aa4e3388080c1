// Package model defines the core memory data types.
package model

import "time"

// State is the lifecycle state of a memory.
type State string

const (
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateArchived State = "archived"
	StateDeleted  State = "deleted"
)

// ValidStates are the allowed memory states.
var ValidStates = map[State]bool{
	StateActive:   true,
	StatePaused:   true,
	StateArchived: true,
	StateDeleted:  true,
}

// transitions lists the allowed outgoing edges per state.
// active -> active is the refresh recorded when an ADD overwrites content.
var transitions = map[State]map[State]bool{
	StateActive:   {StateActive: true, StatePaused: true, StateArchived: true, StateDeleted: true},
	StatePaused:   {StateActive: true, StateArchived: true, StateDeleted: true},
	StateArchived: {StateActive: true, StatePaused: true, StateDeleted: true},
	StateDeleted:  {},
}

// CanTransition reports whether a memory may move from old to next.
// A nil old state is a creation, which always enters at active.
func CanTransition(old *State, next State) bool {
	if old == nil {
		return next == StateActive
	}
	return transitions[*old][next]
}

// Memory represents a stored memory record.
type Memory struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	AppID      string            `json:"app_id"`
	Content    string            `json:"content"`
	State      State             `json:"state"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Categories []string          `json:"categories,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ArchivedAt *time.Time        `json:"archived_at,omitempty"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// Transition is one row of the append-only status history.
type Transition struct {
	ID        string    `json:"id"`
	MemoryID  string    `json:"memory_id"`
	ChangedBy string    `json:"changed_by"`
	OldState  *State    `json:"old_state"`
	NewState  State     `json:"new_state"`
	ChangedAt time.Time `json:"changed_at"`
	Reason    string    `json:"reason,omitempty"`
}

// App is a calling application registered under an owner.
type App struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
