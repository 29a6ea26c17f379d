package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/identity"
	"github.com/ashureev/taskhub/internal/session"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Get("/history", h.GetHistory)
				r.Post("/suspend", h.SuspendSession)
				r.Post("/resume", h.ResumeSession)
			})
		})
		r.Get("/modes", h.ListModes)
		r.Get("/approvals", h.ListApprovals)
		r.Route("/approvals/{approvalID}", func(r chi.Router) {
			r.Get("/", h.GetApproval)
			r.Post("/resolve", h.ResolveApproval)
		})
		r.Get("/tasks", h.ListTasks)
		r.Get("/stats", h.Stats)
	})
}

type createSessionRequest struct {
	Name   string          `json:"name"`
	Mode   string          `json:"mode"`
	Config json.RawMessage `json:"config,omitempty"`
}

type sessionView struct {
	ID             string               `json:"id"`
	Owner          string               `json:"owner,omitempty"`
	Name           string               `json:"name"`
	Mode           string               `json:"mode"`
	Status         domain.SessionStatus `json:"status"`
	Config         json.RawMessage      `json:"config,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
	State          *stateView           `json:"state,omitempty"`
	TaskID         string               `json:"task_id,omitempty"`
}

type stateView struct {
	Status      domain.StateStatus `json:"status"`
	Phase       string             `json:"phase"`
	Step        *int               `json:"step,omitempty"`
	PlanData    json.RawMessage    `json:"plan_data,omitempty"`
	ContextVars map[string]any     `json:"context_vars,omitempty"`
	Version     int64              `json:"version"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func newSessionView(s *domain.Session, st *domain.SessionState) sessionView {
	v := sessionView{
		ID:             s.ID,
		Owner:          s.Owner,
		Name:           s.Name,
		Mode:           s.Mode,
		Status:         s.Status,
		Config:         s.Config,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
	if st != nil {
		v.State = &stateView{
			Status:      st.Status,
			Phase:       st.CurrentPhase,
			Step:        st.CurrentStep,
			PlanData:    st.PlanData,
			ContextVars: st.ContextVars,
			Version:     st.Version,
			UpdatedAt:   st.UpdatedAt,
		}
	}
	return v
}

// CreateSession creates a session without starting a task. A task started
// later with this session id picks it up.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := Decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}
	mode, cfg, err := h.modes.Resolve(req.Mode, req.Config)
	if err != nil {
		Fail(w, err)
		return
	}

	owner := identity.OwnerFromContext(r.Context())
	id, err := h.sessions.Create(r.Context(), session.CreateParams{
		Mode:   mode.Name,
		Name:   req.Name,
		Owner:  owner,
		Config: cfg,
	})
	if err != nil {
		slog.Error("Failed to create session", "error", err, "owner", owner)
		Fail(w, err)
		return
	}
	h.writeSession(w, r, http.StatusCreated, id)
}

// ListSessions lists sessions, optionally filtered by mode, status and owner.
// owner=me selects the caller's sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SessionFilter{
		Mode:   q.Get("mode"),
		Status: domain.SessionStatus(q.Get("status")),
		Owner:  q.Get("owner"),
	}
	if f.Owner == "me" {
		f.Owner = identity.OwnerFromContext(r.Context())
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	if f.Status != "" && !validSessionStatus(f.Status) {
		Error(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}

	list, err := h.sessions.List(r.Context(), f)
	if err != nil {
		Fail(w, err)
		return
	}
	if list == nil {
		list = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func validSessionStatus(s domain.SessionStatus) bool {
	switch s {
	case domain.SessionActive, domain.SessionSuspended, domain.SessionCompleted,
		domain.SessionFailed, domain.SessionExpired:
		return true
	}
	return false
}

// GetSession returns a session with its current state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.writeSession(w, r, http.StatusOK, chi.URLParam(r, "sessionID"))
}

func (h *Handler) writeSession(w http.ResponseWriter, r *http.Request, status int, id string) {
	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	st, err := h.sessions.LoadState(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	v := newSessionView(s, st)
	if taskID, ok := h.runs.TaskFor(id); ok {
		v.TaskID = taskID
	}
	JSON(w, status, v)
}

// GetHistory returns the conversation history of a session.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	history, err := h.sessions.History(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "history": history})
}

// DeleteSession removes a session and its states. Sessions with a live
// worker must be cancelled first.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if taskID, ok := h.runs.TaskFor(id); ok {
		Fail(w, fmt.Errorf("%w: session is held by running task %s", errConflict, taskID))
		return
	}
	ok, err := h.sessions.Delete(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	if !ok {
		Fail(w, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SuspendSession suspends a session. A live worker is paused in place.
func (h *Handler) SuspendSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if taskID, live := h.runs.TaskFor(id); live {
		if err := h.runs.Pause(r.Context(), taskID); err != nil {
			Fail(w, err)
			return
		}
		h.writeSession(w, r, http.StatusOK, id)
		return
	}
	h.transition(w, r, id, h.sessions.Suspend)
}

// ResumeSession resumes a suspended session. A paused live worker continues;
// otherwise the session becomes active again and the next resume message on
// a task channel respawns its worker.
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if taskID, live := h.runs.TaskFor(id); live {
		if _, err := h.runs.Resume(r.Context(), taskID, id); err != nil {
			Fail(w, err)
			return
		}
		h.writeSession(w, r, http.StatusOK, id)
		return
	}
	h.transition(w, r, id, h.sessions.Resume)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, id string, fn func(context.Context, string) (bool, error)) {
	ok, err := fn(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	if !ok {
		if _, err := h.sessions.Get(r.Context(), id); err != nil {
			Fail(w, err)
			return
		}
		Fail(w, fmt.Errorf("%w: session cannot make this transition", errConflict))
		return
	}
	h.writeSession(w, r, http.StatusOK, id)
}
