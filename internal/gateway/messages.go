package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/run"
)

// Inbound message types.
const (
	MsgSubmitTask      = "submit_task"
	MsgResolveApproval = "resolve_approval"
	MsgPause           = "pause"
	MsgResume          = "resume"
	MsgCancel          = "cancel"
	MsgPing            = "ping"
)

// Outbound replies to inbound messages. They answer the sender only and are
// never buffered for a disconnected client.
const (
	EventAck  = "ack"
	EventPong = "pong"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Message is an inbound client message. Fields not used by Type are ignored.
type Message struct {
	Type string `json:"type"`

	TaskDescription string          `json:"task_description,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	Name            string          `json:"name,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`

	ApprovalID    string            `json:"approval_id,omitempty"`
	Resolution    domain.Resolution `json:"resolution,omitempty"`
	Feedback      string            `json:"feedback,omitempty"`
	Modifications json.RawMessage   `json:"modifications,omitempty"`
}

// Ack reports how an inbound message was handled.
type Ack struct {
	Request string `json:"request"`
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Status is the HTTP status the failure maps to, so clients can tell
	// rejected requests from conflicts.
	Status int `json:"status,omitempty"`
}

type resolveAck struct {
	ApprovalID string `json:"approval_id"`
	Resolved   bool   `json:"resolved"`
}

// dispatch applies one inbound message to the task.
func (h *Handler) dispatch(ctx context.Context, taskID, owner string, msg Message) (any, error) {
	switch msg.Type {
	case MsgSubmitTask:
		return h.runs.Submit(ctx, taskID, run.SubmitRequest{
			Description: msg.TaskDescription,
			Mode:        msg.Mode,
			Name:        msg.Name,
			Owner:       owner,
			Config:      msg.Config,
			SessionID:   msg.SessionID,
		})
	case MsgResolveApproval:
		if msg.ApprovalID == "" {
			return nil, fmt.Errorf("%w: approval_id is required", run.ErrInvalidRequest)
		}
		ok, err := h.runs.ResolveApproval(ctx, msg.ApprovalID, msg.Resolution, msg.Feedback, msg.Modifications)
		if err != nil {
			return nil, err
		}
		return resolveAck{ApprovalID: msg.ApprovalID, Resolved: ok}, nil
	case MsgPause:
		return nil, h.runs.Pause(ctx, taskID)
	case MsgResume:
		return h.runs.Resume(ctx, taskID, msg.SessionID)
	case MsgCancel:
		return nil, h.runs.Cancel(ctx, taskID, msg.SessionID)
	case MsgPing:
		return nil, nil
	case "":
		return nil, fmt.Errorf("%w: message type is required", run.ErrInvalidRequest)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", run.ErrInvalidRequest, msg.Type)
	}
}
