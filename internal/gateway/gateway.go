// Package gateway speaks the task channel protocol: inbound control messages
// over WebSocket or HTTP POST, outbound event envelopes over WebSocket or
// server-sent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/taskhub/internal/api"
	"github.com/ashureev/taskhub/internal/connection"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/identity"
	"github.com/ashureev/taskhub/internal/run"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// Runner is the run service as the channel protocol drives it.
type Runner interface {
	Submit(ctx context.Context, taskID string, req run.SubmitRequest) (*run.Submission, error)
	Cancel(ctx context.Context, taskID, sessionID string) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID, sessionID string) (*run.Submission, error)
	ResolveApproval(ctx context.Context, id string, res domain.Resolution, feedback string, modifications json.RawMessage) (bool, error)
}

// Connections is the connection registry as seen by the handlers.
type Connections interface {
	Connect(ctx context.Context, ch connection.Channel, taskID, sessionID string) error
	Disconnect(ctx context.Context, taskID string, ch connection.Channel) bool
	Heartbeat(ctx context.Context, taskID string) error
	Send(ctx context.Context, taskID, eventType string, payload any, queueIfDisconnected bool) bool
}

// Options configures a Handler.
type Options struct {
	AllowedOrigins    []string
	IsDev             bool
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	MaxMessageSize    int64
	Logger            *slog.Logger
}

// Handler serves the channel protocol endpoints.
type Handler struct {
	runs      Runner
	conns     Connections
	origins   []string
	isDev     bool
	keepalive time.Duration
	retry     time.Duration
	maxMsg    int64
	logger    *slog.Logger
}

// NewHandler creates a channel protocol handler.
func NewHandler(runs Runner, conns Connections, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	return &Handler{
		runs:      runs,
		conns:     conns,
		origins:   opts.AllowedOrigins,
		isDev:     opts.IsDev,
		keepalive: opts.KeepaliveInterval,
		retry:     opts.RetryDelay,
		maxMsg:    opts.MaxMessageSize,
		logger:    opts.Logger,
	}
}

// RegisterRoutes registers the channel routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/tasks/{taskID}", h.ServeWebSocket)
	r.Get("/api/tasks/{taskID}/events", h.ServeEvents)
	r.Post("/api/tasks/{taskID}/messages", h.PostMessage)
}

func taskIDFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := chi.URLParam(r, "taskID")
	if !taskIDPattern.MatchString(taskID) {
		api.Error(w, http.StatusBadRequest, "invalid task id")
		return "", false
	}
	return taskID, true
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.origins)
	return false
}

// ServeWebSocket attaches a WebSocket client to a task id. The client both
// sends control messages and receives event envelopes on it.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}
	owner := identity.OwnerFromContext(r.Context())
	logger := h.logger.With("task_id", taskID, "owner", owner)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(h.maxMsg)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := connection.NewWebSocketChannel(ws)
	if err := h.conns.Connect(ctx, ch, taskID, r.URL.Query().Get("session_id")); err != nil {
		logger.Warn("WebSocket connection refused", "error", err)
		status := websocket.StatusInternalError
		if errors.Is(err, connection.ErrLimitReached) {
			status = websocket.StatusTryAgainLater
		}
		_ = ws.Close(status, err.Error())
		return
	}
	logger.Info("WebSocket channel connected", "ip", identity.IPFromRequest(r))
	defer func() {
		h.conns.Disconnect(context.Background(), taskID, ch)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "channel closed"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
		logger.Info("WebSocket channel ended")
	}()

	go h.pingLoop(ctx, ws, taskID, logger)
	h.readLoop(ctx, ws, taskID, owner, logger)
}

// pingLoop keeps the connection row fresh for clients that never send ping
// messages themselves.
func (h *Handler) pingLoop(ctx context.Context, ws *websocket.Conn, taskID string, logger *slog.Logger) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.keepalive)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("WebSocket ping failed", "error", err)
				return
			}
			h.touch(ctx, taskID, logger)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, taskID, owner string, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed", "reason", err)
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		h.touch(ctx, taskID, logger)

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, taskID, Ack{Request: "", OK: false, Error: "malformed message", Status: http.StatusBadRequest})
			continue
		}
		if msg.Type == MsgPing {
			h.conns.Send(ctx, taskID, EventPong, map[string]int64{"ts": time.Now().UnixMilli()}, false)
			continue
		}

		result, err := h.dispatch(ctx, taskID, owner, msg)
		if err != nil {
			logger.Info("Channel message rejected", "type", msg.Type, "error", err)
			h.reply(ctx, taskID, Ack{Request: msg.Type, Error: err.Error(), Status: api.StatusFor(err)})
			continue
		}
		h.reply(ctx, taskID, Ack{Request: msg.Type, OK: true, Data: result})
	}
}

func (h *Handler) reply(ctx context.Context, taskID string, ack Ack) {
	if !h.conns.Send(ctx, taskID, EventAck, ack, false) {
		h.logger.Debug("Ack not delivered", "task_id", taskID, "request", ack.Request)
	}
}

func (h *Handler) touch(ctx context.Context, taskID string, logger *slog.Logger) {
	if err := h.conns.Heartbeat(ctx, taskID); err != nil {
		logger.Warn("Failed to record heartbeat", "error", err)
	}
}

// ServeEvents streams a task's event envelopes as server-sent events. Control
// messages for the task go to PostMessage.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	logger := h.logger.With("task_id", taskID, "owner", identity.OwnerFromContext(r.Context()))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	ch := connection.NewSSEChannel(w, flusher)
	if err := h.conns.Connect(ctx, ch, taskID, r.URL.Query().Get("session_id")); err != nil {
		logger.Warn("SSE connection refused", "error", err)
		api.Fail(w, err)
		return
	}
	defer func() {
		logger.Info("SSE channel ended", "reason", ch.Reason())
		// No writes may reach w once the handler returns.
		_ = ch.Close("client disconnected")
		h.conns.Disconnect(context.Background(), taskID, ch)
	}()
	if err := ch.Retry(h.retry); err != nil {
		logger.Warn("Failed to write SSE retry header", "error", err)
		return
	}
	logger.Info("SSE channel connected", "ip", identity.IPFromRequest(r))

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := ch.Comment("keepalive"); err != nil {
				logger.Debug("SSE keepalive failed", "error", err)
				return
			}
			h.touch(ctx, taskID, logger)
		}
	}
}

// PostMessage applies one control message to a task and answers with an Ack.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	var msg Message
	if err := api.Decode(w, r, h.maxMsg, &msg); err != nil {
		api.Fail(w, err)
		return
	}

	if msg.Type == MsgPing {
		if err := h.conns.Heartbeat(r.Context(), taskID); err != nil {
			h.logger.Warn("Failed to record heartbeat", "task_id", taskID, "error", err)
		}
		api.JSON(w, http.StatusOK, Ack{Request: MsgPing, OK: true})
		return
	}

	result, err := h.dispatch(r.Context(), taskID, identity.OwnerFromContext(r.Context()), msg)
	if err != nil {
		status := api.StatusFor(err)
		api.JSON(w, status, Ack{Request: msg.Type, Error: err.Error(), Status: status})
		return
	}
	api.JSON(w, http.StatusAccepted, Ack{Request: msg.Type, OK: true, Data: result})
}
