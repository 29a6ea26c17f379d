package domain

import (
	"encoding/json"
	"time"
)

// ApprovalKind classifies what a task is asking a human to decide.
type ApprovalKind string

const (
	ApprovalPlan          ApprovalKind = "plan_approval"
	ApprovalStep          ApprovalKind = "step_approval"
	ApprovalErrorRecovery ApprovalKind = "error_recovery"
	ApprovalToolCall      ApprovalKind = "tool_call"
	ApprovalCustom        ApprovalKind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k ApprovalKind) Valid() bool {
	switch k {
	case ApprovalPlan, ApprovalStep, ApprovalErrorRecovery, ApprovalToolCall, ApprovalCustom:
		return true
	}
	return false
}

// ApprovalStatus is the persisted status of an approval row.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalResolved  ApprovalStatus = "resolved"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Resolution is the human decision on an approval.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionModified Resolution = "modified"
)

// Valid reports whether r is one of the known resolutions.
func (r Resolution) Valid() bool {
	return r == ResolutionApproved || r == ResolutionRejected || r == ResolutionModified
}

// ApprovalResult carries the optional reviewer feedback.
type ApprovalResult struct {
	Feedback      string          `json:"feedback,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
}

// ApprovalRequest is a pending (or settled) human checkpoint.
type ApprovalRequest struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Kind       ApprovalKind    `json:"kind"`
	Context    json.RawMessage `json:"context"`
	Status     ApprovalStatus  `json:"status"`
	Resolution Resolution      `json:"resolution,omitempty"`
	Result     *ApprovalResult `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// ActiveConnection is the persisted record of a live client channel.
type ActiveConnection struct {
	TaskID        string    `json:"task_id"`
	SessionID     string    `json:"session_id,omitempty"`
	InstanceID    string    `json:"instance_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
