package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/taskhub/internal/engine"
)

// ListModes returns the workflow modes tasks can be submitted with.
func (h *Handler) ListModes(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"modes": h.modes.List()})
}

// ListTasks returns the workers running on this instance.
func (h *Handler) ListTasks(w http.ResponseWriter, _ *http.Request) {
	active := h.workers.Active()
	if active == nil {
		active = []engine.Info{}
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": active})
}

// Stats returns worker and connection occupancy.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"workers": map[string]int{
			"active": len(h.workers.Active()),
			"max":    h.workers.MaxWorkers(),
		},
		"connections": h.connections.Stats(),
	})
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
