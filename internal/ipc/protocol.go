// Package ipc defines how the coordinator and a worker subprocess talk.
//
// The worker inherits three pipes besides stdio:
//
//	fd 3  output queue     worker -> coordinator  (event frames, in emit order)
//	fd 4  result queue     worker -> coordinator  (exactly one result frame)
//	fd 5  approval queue   coordinator -> worker  (approval responses)
//
// The task spec is written to the worker's stdin as a single JSON document.
// Every queue carries newline-delimited JSON frames.
package ipc

import (
	"encoding/json"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
)

// Inherited file descriptors as seen by the worker.
const (
	OutputFD   = 3
	ResultFD   = 4
	ApprovalFD = 5
)

// Event types a worker may put on the output queue.
const (
	EventOutput           = "output"
	EventStatus           = "status"
	EventPhaseChange      = "phase_change"
	EventDAGCreated       = "dag_created"
	EventDAGNodeUpdate    = "dag_node_update"
	EventCostUpdate       = "cost_update"
	EventApprovalRequired = "approval_required"
	EventError            = "error"
)

// Frame is one message on a queue.
type Frame struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskSpec is everything a worker needs to run one task. It is passed by
// value; the worker shares no memory with the coordinator.
type TaskSpec struct {
	TaskID      string          `json:"task_id"`
	RunID       string          `json:"run_id"`
	Mode        string          `json:"mode"`
	Task        string          `json:"task"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config,omitempty"`
	Resume      *ResumeState    `json:"resume,omitempty"`
}

// ResumeState seeds a respawned task with its durable snapshot.
type ResumeState struct {
	Phase       string                `json:"phase"`
	Step        *int                  `json:"step,omitempty"`
	History     []domain.HistoryEntry `json:"history,omitempty"`
	ContextVars map[string]any        `json:"context_vars,omitempty"`
	PlanData    json.RawMessage       `json:"plan_data,omitempty"`
}

// OutputPayload is the payload of an output event.
type OutputPayload struct {
	Text   string `json:"text"`
	Stream string `json:"stream,omitempty"`
}

// PhasePayload is the payload of a phase_change event.
type PhasePayload struct {
	Phase    string          `json:"phase"`
	Step     *int            `json:"step,omitempty"`
	PlanData json.RawMessage `json:"plan_data,omitempty"`
}

// ApprovalRequest is the payload of an approval_required frame from the
// worker. RequestKey is local to the worker and matches the response.
type ApprovalRequest struct {
	RequestKey string          `json:"request_key"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Kind       string          `json:"kind"`
	Context    json.RawMessage `json:"context,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

// Timeout returns the requested timeout, zero meaning the default.
func (r ApprovalRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// ApprovalResponse answers an ApprovalRequest on the approval queue.
type ApprovalResponse struct {
	RequestKey    string          `json:"request_key"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	TimedOut      bool            `json:"timed_out,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Failure kinds reported in a Result.
const (
	FailureTask  = "task_error"
	FailurePanic = "panic"
	FailureSpec  = "invalid_spec"
	FailureMode  = "unknown_mode"
)

// Failure describes why a task did not succeed.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the single frame a worker posts on the result queue.
type Result struct {
	OK      bool            `json:"ok"`
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Frame types on the result and approval queues.
const (
	FrameResult   = "result"
	FrameApproval = "approval_response"
)
