// Package api provides the REST handlers for session management and
// approval resolution.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/connection"
	"github.com/ashureev/taskhub/internal/engine"
	"github.com/ashureev/taskhub/internal/modes"
	"github.com/ashureev/taskhub/internal/run"
	"github.com/ashureev/taskhub/internal/session"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Runs is the part of the run service the REST surface drives.
type Runs interface {
	TaskFor(sessionID string) (string, bool)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID, sessionID string) (*run.Submission, error)
}

// Workers reports the isolated workers of this instance.
type Workers interface {
	Active() []engine.Info
	MaxWorkers() int
}

// Connections reports the live client channels of this instance.
type Connections interface {
	Stats() connection.Stats
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Sessions    *session.Coordinator
	Approvals   *approval.Coordinator
	Modes       *modes.Catalogue
	Runs        Runs
	Workers     Workers
	Connections Connections
	Store       Pinger
}

// Handler serves the REST surface.
type Handler struct {
	sessions    *session.Coordinator
	approvals   *approval.Coordinator
	modes       *modes.Catalogue
	runs        Runs
	workers     Workers
	connections Connections
	store       Pinger
	maxBody     int64
}

// NewHandler creates a new Handler.
func NewHandler(d Deps, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	return &Handler{
		sessions:    d.Sessions,
		approvals:   d.Approvals,
		modes:       d.Modes,
		runs:        d.Runs,
		workers:     d.Workers,
		connections: d.Connections,
		store:       d.Store,
		maxBody:     maxBody,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Fail writes err with the status StatusFor picks.
func Fail(w http.ResponseWriter, err error) {
	Error(w, StatusFor(err), err.Error())
}

// StatusFor maps coordinator errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, run.ErrInvalidRequest),
		errors.Is(err, modes.ErrUnknownMode),
		errors.Is(err, modes.ErrInvalidConfig),
		errors.Is(err, approval.ErrInvalid),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrTaskBusy),
		errors.Is(err, run.ErrNotRunning),
		errors.Is(err, run.ErrNotResumable),
		errors.Is(err, engine.ErrNotRunning),
		errors.Is(err, errConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrResourceExhausted),
		errors.Is(err, connection.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrPauseUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, run.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest = errors.New("invalid request body")
	errConflict   = errors.New("conflict")
	errTooLarge   = errors.New("request body too large")
)

// Decode reads a bounded JSON body into v. An empty body leaves v untouched.
func Decode(w http.ResponseWriter, r *http.Request, maxBody int64, v any) error {
	if maxBody <= 0 {
		maxBody = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errTooLarge
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
