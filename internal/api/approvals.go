package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/go-chi/chi/v5"
)

type resolveRequest struct {
	Resolution    domain.Resolution `json:"resolution"`
	Feedback      string            `json:"feedback,omitempty"`
	Modifications json.RawMessage   `json:"modifications,omitempty"`
}

// ListApprovals lists pending approvals, for one session when run_id is set.
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := h.approvals.ListPending(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		Fail(w, err)
		return
	}
	if pending == nil {
		pending = []*domain.ApprovalRequest{}
	}
	JSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

// GetApproval returns an approval by id.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Get(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, req)
}

// ResolveApproval settles an approval. Resolving an approval that is already
// settled succeeds with resolved=false and leaves it untouched.
func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "approvalID")
	var req resolveRequest
	if err := Decode(w, r, h.maxBody, &req); err != nil {
		Fail(w, err)
		return
	}

	ok, err := h.approvals.Resolve(r.Context(), id, req.Resolution, req.Feedback, req.Modifications)
	if err != nil {
		Fail(w, err)
		return
	}
	current, err := h.approvals.Get(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	if !ok {
		slog.Info("Approval already settled", "approval_id", id, "status", current.Status)
	}
	JSON(w, http.StatusOK, map[string]any{"resolved": ok, "approval": current})
}
