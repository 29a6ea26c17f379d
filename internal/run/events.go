package run

import "encoding/json"

// Outbound event types the service adds on top of what workers emit.
const (
	EventStatus   = "status"
	EventResult   = "result"
	EventError    = "error"
	EventComplete = "complete"
)

// Status values carried by status events.
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateSuspended = "suspended"
)

// Completion statuses carried by complete events.
const (
	CompleteCompleted = "completed"
	CompleteCancelled = "cancelled"
)

// Error kinds the service reports besides worker failure kinds.
const (
	ErrorKindCrashed   = "worker_crashed"
	ErrorKindExhausted = "resource_exhausted"
	ErrorKindSpawn     = "spawn_failed"
)

// StatusPayload is the payload of status events.
type StatusPayload struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
}

// ResultPayload is the payload of result events.
type ResultPayload struct {
	Value      json.RawMessage `json:"value,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ErrorPayload is the payload of error events.
type ErrorPayload struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// CompletePayload is the payload of complete events.
type CompletePayload struct {
	Status string `json:"status"`
}
