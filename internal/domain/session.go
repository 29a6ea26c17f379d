// Package domain holds the persisted entities shared by the coordinator packages.
package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// StateStatus is the status of a SessionState snapshot.
type StateStatus string

const (
	StateActive    StateStatus = "active"
	StateSuspended StateStatus = "suspended"
	StateCompleted StateStatus = "completed"
	StateExpired   StateStatus = "expired"
)

// PhaseInit is the phase every new session starts in.
const PhaseInit = "init"

// Session is a long-lived unit of user work.
type Session struct {
	ID             string
	Owner          string
	Name           string
	Mode           string
	Status         SessionStatus
	Config         json.RawMessage
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// HistoryEntry is one serialized conversation entry.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the resumable snapshot of a session.
type SessionState struct {
	SessionID    string
	WorkflowMode string
	History      []HistoryEntry
	ContextVars  map[string]any
	CurrentPhase string
	CurrentStep  *int
	PlanData     json.RawMessage
	Status       StateStatus
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Mode           string        `json:"mode"`
	Status         SessionStatus `json:"status"`
	Phase          string        `json:"phase"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}
