// Package session implements the durable session lifecycle and its resumable state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/ashureev/taskhub/internal/telemetry"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a session id has no row.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a state write keeps losing races.
	ErrVersionConflict = errors.New("session state version conflict")
)

const (
	defaultHistoryLimit = 200
	saveAttempts        = 3
)

// Options configures a Coordinator.
type Options struct {
	HistoryLimit int
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

// Coordinator owns session rows and their state snapshots. Live per-session
// objects (running workers) are tracked in a best-effort in-memory registry;
// the store stays the source of truth.
type Coordinator struct {
	repo         store.Repository
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	historyLimit int
	now          func() time.Time

	mu      sync.RWMutex
	handles map[string]any
}

// NewCoordinator creates a session coordinator over repo.
func NewCoordinator(repo store.Repository, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Coordinator{
		repo:         repo,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		historyLimit: opts.HistoryLimit,
		now:          time.Now,
		handles:      make(map[string]any),
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	Mode   string
	Name   string
	Owner  string
	Config json.RawMessage
}

// Create inserts a session and its initial state (phase init, version 1) atomically.
func (c *Coordinator) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.Mode == "" {
		return "", fmt.Errorf("create session: mode is required")
	}

	now := c.now()
	id := uuid.NewString()
	sess := &domain.Session{
		ID:             id,
		Owner:          p.Owner,
		Name:           p.Name,
		Mode:           p.Mode,
		Status:         domain.SessionActive,
		Config:         p.Config,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	state := &domain.SessionState{
		SessionID:    id,
		WorkflowMode: p.Mode,
		CurrentPhase: domain.PhaseInit,
		Status:       domain.StateActive,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.repo.CreateSession(ctx, sess, state); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("Session created", "session_id", id, "mode", p.Mode, "owner", p.Owner)
	return id, nil
}

// StateUpdate is a full snapshot of the resumable state. An empty Phase keeps
// the current phase.
type StateUpdate struct {
	History     []domain.HistoryEntry
	ContextVars map[string]any
	Phase       string
	Step        *int
	PlanData    json.RawMessage
}

// SaveState writes a new snapshot. It returns false when the session has no
// active state, which callers treat as "no longer resumable". Concurrent
// writers are serialized by version; a lost race is retried against the
// fresh row.
func (c *Coordinator) SaveState(ctx context.Context, sessionID string, u StateUpdate) (bool, error) {
	for attempt := 0; attempt < saveAttempts; attempt++ {
		cur, err := c.repo.GetSessionState(ctx, sessionID)
		if err != nil {
			return false, fmt.Errorf("load state: %w", err)
		}
		if cur == nil || cur.Status != domain.StateActive {
			return false, nil
		}

		next := *cur
		next.History = c.boundHistory(u.History)
		next.ContextVars = u.ContextVars
		if u.Phase != "" {
			next.CurrentPhase = u.Phase
		}
		next.CurrentStep = u.Step
		next.PlanData = u.PlanData
		next.UpdatedAt = c.now()

		ok, err := c.repo.UpdateSessionState(ctx, &next, cur.Version)
		if err != nil {
			return false, fmt.Errorf("save state: %w", err)
		}
		if ok {
			if err := c.repo.TouchSession(ctx, sessionID, next.UpdatedAt); err != nil {
				c.logger.Warn("Failed to touch session", "session_id", sessionID, "error", err)
			}
			return true, nil
		}

		c.metrics.StateWriteConflicts.Add(ctx, 1)
		c.logger.Debug("State write lost version race, retrying",
			"session_id", sessionID, "expected_version", cur.Version, "attempt", attempt+1)
	}
	return false, fmt.Errorf("save state %s: %w", sessionID, ErrVersionConflict)
}

func (c *Coordinator) boundHistory(h []domain.HistoryEntry) []domain.HistoryEntry {
	if len(h) <= c.historyLimit {
		return h
	}
	return h[len(h)-c.historyLimit:]
}

// LoadState returns the current snapshot of a session.
func (c *Coordinator) LoadState(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	st, err := c.repo.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// Get returns the session row.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// History returns the stored conversation history of a session.
func (c *Coordinator) History(ctx context.Context, sessionID string) ([]domain.HistoryEntry, error) {
	st, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.History, nil
}

// List returns session summaries matching f.
func (c *Coordinator) List(ctx context.Context, f store.SessionFilter) ([]domain.SessionSummary, error) {
	out, err := c.repo.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Suspend moves an active session to suspended.
func (c *Coordinator) Suspend(ctx context.Context, sessionID string) (bool, error) {
	return c.transition(ctx, sessionID, "suspend", store.Transition{
		From:    []domain.SessionStatus{domain.SessionActive},
		To:      domain.SessionSuspended,
		StateTo: domain.StateSuspended,
	})
}

// Resume moves a suspended session back to active.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (bool, error) {
	return c.transition(ctx, sessionID, "resume", store.Transition{
		From:    []domain.SessionStatus{domain.SessionSuspended},
		To:      domain.SessionActive,
		StateTo: domain.StateActive,
	})
}

// Complete marks a session completed from any non-terminal status.
func (c *Coordinator) Complete(ctx context.Context, sessionID string) (bool, error) {
	return c.transition(ctx, sessionID, "complete", store.Transition{
		From:    []domain.SessionStatus{domain.SessionActive, domain.SessionSuspended},
		To:      domain.SessionCompleted,
		StateTo: domain.StateCompleted,
	})
}

// Fail marks a session failed from any non-terminal status. Its state is no
// longer resumable.
func (c *Coordinator) Fail(ctx context.Context, sessionID string) (bool, error) {
	return c.transition(ctx, sessionID, "fail", store.Transition{
		From:    []domain.SessionStatus{domain.SessionActive, domain.SessionSuspended},
		To:      domain.SessionFailed,
		StateTo: domain.StateCompleted,
	})
}

func (c *Coordinator) transition(ctx context.Context, sessionID, op string, t store.Transition) (bool, error) {
	ok, err := c.repo.TransitionSession(ctx, sessionID, t)
	if err != nil {
		return false, fmt.Errorf("%s session: %w", op, err)
	}
	if ok {
		c.logger.Info("Session status changed", "session_id", sessionID, "status", t.To)
	} else {
		c.logger.Debug("Session transition skipped", "session_id", sessionID, "op", op)
	}
	return ok, nil
}

// ExpireIdle expires active sessions whose state has not changed for ttl and
// returns their ids.
func (c *Coordinator) ExpireIdle(ctx context.Context, ttl time.Duration) ([]string, error) {
	ids, err := c.repo.ExpireIdleSessions(ctx, c.now().Add(-ttl))
	if err != nil {
		return nil, fmt.Errorf("expire idle sessions: %w", err)
	}
	for _, id := range ids {
		if _, live := c.Handle(id); live {
			c.logger.Warn("Expired session still has a live run", "session_id", id)
		}
		c.logger.Info("Session expired", "session_id", id, "ttl", ttl)
	}
	if len(ids) > 0 {
		c.metrics.SessionsExpired.Add(ctx, int64(len(ids)))
	}
	return ids, nil
}

// Touch records activity on a session.
func (c *Coordinator) Touch(ctx context.Context, sessionID string) error {
	return c.repo.TouchSession(ctx, sessionID, c.now())
}

// Delete removes a session and everything attached to it.
func (c *Coordinator) Delete(ctx context.Context, sessionID string) (bool, error) {
	c.Detach(sessionID)
	ok, err := c.repo.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return ok, nil
}

// Attach registers a live object for a session.
func (c *Coordinator) Attach(sessionID string, handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[sessionID] = handle
}

// Handle returns the live object for a session, if any.
func (c *Coordinator) Handle(sessionID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

// Detach drops the live object for a session.
func (c *Coordinator) Detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, sessionID)
}

// Restored is the result of Restore.
type Restored struct {
	Session *domain.Session
	State   *domain.SessionState
	Handle  any
	Live    bool
}

// Restore returns the live handle when this process still holds one, and
// always returns the durable state so callers can rebuild after a restart.
func (c *Coordinator) Restore(ctx context.Context, sessionID string) (*Restored, error) {
	sess, err := c.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, err := c.LoadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h, live := c.Handle(sessionID)
	return &Restored{Session: sess, State: st, Handle: h, Live: live}, nil
}
