// Package connection tracks the single live client channel of each task id.
package connection

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/ashureev/taskhub/internal/telemetry"
)

// ErrLimitReached is returned by Connect when the registry is full.
var ErrLimitReached = errors.New("connection limit reached")

// Close reasons sent to channels the registry closes itself.
const (
	ReasonSuperseded = "superseded"
	ReasonStale      = "stale"
	ReasonSendFailed = "send failed"
	ReasonShutdown   = "server shutting down"
)

// Envelope is the outbound wire shape of every event.
type Envelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	RunID     string          `json:"run_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel is a client connection the registry can write to.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Close(reason string) error
}

// Options configures a Registry.
type Options struct {
	MaxConnections int
	BufferSize     int // per-task events kept while disconnected
	QueueSize      int // per-connection events waiting to be written
	InstanceID     string
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Active        int `json:"active"`
	Max           int `json:"max"`
	Buffered      int `json:"buffered"`
	BufferedTasks int `json:"buffered_tasks"`
}

// Registry maps task ids to live channels. A reconnect for the same task id
// replaces (and closes) the previous channel. Sends never block the caller.
type Registry struct {
	repo         store.Repository
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	max          int
	bufferSize   int
	queueSize    int
	instanceID   string
	writeTimeout time.Duration

	mu      sync.Mutex
	conns   map[string]*conn
	buffers map[string]*taskBuffer
	runs    map[string]string
}

type item struct {
	env   Envelope
	queue bool
}

type taskBuffer struct {
	items   *list.List
	touched time.Time
}

// NewRegistry creates a registry persisting connection rows to repo.
func NewRegistry(repo store.Repository, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Registry{
		repo:         repo,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		max:          opts.MaxConnections,
		bufferSize:   opts.BufferSize,
		queueSize:    opts.QueueSize,
		instanceID:   opts.InstanceID,
		writeTimeout: opts.WriteTimeout,
		conns:        make(map[string]*conn),
		buffers:      make(map[string]*taskBuffer),
		runs:         make(map[string]string),
	}
}

// Connect installs ch as the live channel for taskID. A previous channel for
// the same task id is closed with ReasonSuperseded. Events buffered while the
// task had no channel are delivered first.
func (r *Registry) Connect(ctx context.Context, ch Channel, taskID, sessionID string) error {
	r.mu.Lock()
	prev := r.conns[taskID]
	if prev == nil && len(r.conns) >= r.max {
		r.mu.Unlock()
		r.logger.Warn("Connection rejected, limit reached", "task_id", taskID, "max", r.max)
		return ErrLimitReached
	}

	if sessionID != "" {
		r.runs[taskID] = sessionID
	} else {
		sessionID = r.runs[taskID]
	}

	c := newConn(taskID, ch, r.queueSize)
	if prev != nil {
		// Queued events the old writer never sent move to the new channel.
		prev.stop()
		for _, it := range prev.drain() {
			if it.queue {
				c.push(it)
			}
		}
	}
	if buf, ok := r.buffers[taskID]; ok {
		for e := buf.items.Front(); e != nil; e = e.Next() {
			c.push(e.Value.(item))
		}
		delete(r.buffers, taskID)
	}
	r.conns[taskID] = c
	r.mu.Unlock()

	if prev != nil {
		if err := prev.ch.Close(ReasonSuperseded); err != nil {
			r.logger.Debug("Failed to close superseded channel", "task_id", taskID, "error", err)
		}
		r.logger.Info("Connection superseded", "task_id", taskID)
	} else {
		r.metrics.ActiveConnections.Add(ctx, 1)
	}

	go c.run(r)

	r.persist(ctx, taskID, sessionID, c.connectedAt)
	r.logger.Info("Connection registered", "task_id", taskID, "session_id", sessionID)
	return nil
}

// Disconnect removes ch if it is still the live channel for taskID. Events
// the writer had not sent yet are kept for a later reconnect when they were
// queued with queueIfDisconnected.
func (r *Registry) Disconnect(ctx context.Context, taskID string, ch Channel) bool {
	r.mu.Lock()
	c, ok := r.conns[taskID]
	if !ok || c.ch != ch {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, taskID)
	c.stop()
	r.rebufferLocked(taskID, c.drain())
	r.mu.Unlock()

	r.metrics.ActiveConnections.Add(ctx, -1)
	if err := r.repo.DeleteConnection(ctx, taskID); err != nil {
		r.logger.Warn("Failed to delete connection row", "task_id", taskID, "error", err)
	}
	r.logger.Info("Connection unregistered", "task_id", taskID)
	return true
}

// Drop closes and removes whatever channel is live for taskID.
func (r *Registry) Drop(ctx context.Context, taskID, reason string) bool {
	r.mu.Lock()
	c, ok := r.conns[taskID]
	if ok {
		delete(r.conns, taskID)
		c.stop()
		r.rebufferLocked(taskID, c.drain())
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.metrics.ActiveConnections.Add(ctx, -1)
	if err := c.ch.Close(reason); err != nil {
		r.logger.Debug("Failed to close dropped channel", "task_id", taskID, "error", err)
	}
	if err := r.repo.DeleteConnection(ctx, taskID); err != nil {
		r.logger.Warn("Failed to delete connection row", "task_id", taskID, "error", err)
	}
	r.logger.Info("Connection dropped", "task_id", taskID, "reason", reason)
	return true
}

// Send hands an event to the live channel of taskID and reports whether one
// existed. Without a channel the event is buffered when queueIfDisconnected
// is set and dropped otherwise. Buffers are bounded; the oldest event goes first.
func (r *Registry) Send(ctx context.Context, taskID, eventType string, payload any, queueIfDisconnected bool) bool {
	raw, err := encodePayload(payload)
	if err != nil {
		r.logger.Error("Failed to encode event payload", "task_id", taskID, "event_type", eventType, "error", err)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	it := item{
		env: Envelope{
			EventType: eventType,
			Payload:   raw,
			RunID:     r.runs[taskID],
			Timestamp: time.Now().UTC(),
		},
		queue: queueIfDisconnected,
	}

	if c, ok := r.conns[taskID]; ok {
		if dropped := c.push(it); dropped {
			r.metrics.EventsDropped.Add(ctx, 1)
			r.logger.Warn("Outbound queue full, dropped oldest event", "task_id", taskID)
		}
		return true
	}

	if queueIfDisconnected {
		r.bufferLocked(taskID, it)
	}
	return false
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func (r *Registry) bufferLocked(taskID string, it item) {
	buf, ok := r.buffers[taskID]
	if !ok {
		buf = &taskBuffer{items: list.New()}
		r.buffers[taskID] = buf
	}
	buf.items.PushBack(it)
	buf.touched = time.Now()
	for buf.items.Len() > r.bufferSize {
		buf.items.Remove(buf.items.Front())
		r.metrics.EventsDropped.Add(context.Background(), 1)
	}
}

func (r *Registry) rebufferLocked(taskID string, items []item) {
	for _, it := range items {
		if it.queue {
			r.bufferLocked(taskID, it)
		}
	}
}

// Bind associates taskID with a session so outbound envelopes carry its run id.
func (r *Registry) Bind(ctx context.Context, taskID, sessionID string) {
	r.mu.Lock()
	r.runs[taskID] = sessionID
	c, connected := r.conns[taskID]
	r.mu.Unlock()

	if connected {
		r.persist(ctx, taskID, sessionID, c.connectedAt)
	}
}

// RunID returns the session bound to taskID, if any.
func (r *Registry) RunID(taskID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[taskID]
}

// Connected reports whether taskID has a live channel.
func (r *Registry) Connected(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[taskID]
	return ok
}

// Heartbeat records liveness of the channel of taskID.
func (r *Registry) Heartbeat(ctx context.Context, taskID string) error {
	_, err := r.repo.TouchConnection(ctx, taskID, time.Now())
	return err
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Active: len(r.conns), Max: r.max, BufferedTasks: len(r.buffers)}
	for _, b := range r.buffers {
		s.Buffered += b.items.Len()
	}
	return s
}

// PruneBuffers forgets buffered events of tasks that saw no traffic since
// before, along with their session binding when nothing is connected.
func (r *Registry) PruneBuffers(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for taskID, b := range r.buffers {
		if b.touched.Before(before) {
			delete(r.buffers, taskID)
			if _, ok := r.conns[taskID]; !ok {
				delete(r.runs, taskID)
			}
			n++
		}
	}
	return n
}

// CloseAll closes every live channel.
func (r *Registry) CloseAll(ctx context.Context, reason string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Drop(ctx, id, reason)
	}
}

func (r *Registry) persist(ctx context.Context, taskID, sessionID string, connectedAt time.Time) {
	row := &domain.ActiveConnection{
		TaskID:        taskID,
		SessionID:     sessionID,
		InstanceID:    r.instanceID,
		ConnectedAt:   connectedAt,
		LastHeartbeat: time.Now(),
	}
	if err := r.repo.UpsertConnection(ctx, row); err != nil {
		r.logger.Warn("Failed to persist connection row", "task_id", taskID, "error", err)
	}
}

func (r *Registry) sendFailed(c *conn, failed item, err error) {
	r.mu.Lock()
	current, ok := r.conns[c.taskID]
	if !ok || current != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.taskID)
	c.stop()
	r.rebufferLocked(c.taskID, append([]item{failed}, c.drain()...))
	r.mu.Unlock()

	ctx := context.Background()
	r.metrics.ActiveConnections.Add(ctx, -1)
	_ = c.ch.Close(ReasonSendFailed)
	if err := r.repo.DeleteConnection(ctx, c.taskID); err != nil {
		r.logger.Warn("Failed to delete connection row", "task_id", c.taskID, "error", err)
	}
	r.logger.Warn("Channel send failed, connection removed", "task_id", c.taskID, "error", err)
}
