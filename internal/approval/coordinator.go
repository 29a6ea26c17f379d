// Package approval coordinates human checkpoints for running tasks.
//
// A request is persisted before anyone waits on it so that any instance
// sharing the store can resolve it. Waiters in the process that created the
// request are woken through an in-memory signal; every waiter also polls the
// stored row, which is how resolutions written by other instances arrive.
package approval

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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTimeout is returned by Wait when its deadline passed with no decision.
	ErrTimeout = errors.New("approval timed out")
	// ErrExpired is returned by Wait when the request was already expired.
	ErrExpired = errors.New("approval expired")
	// ErrCancelled is returned by Wait when the request was cancelled.
	ErrCancelled = errors.New("approval cancelled")
	// ErrNotFound is returned for unknown approval ids.
	ErrNotFound = errors.New("approval not found")
	// ErrInvalid is returned for malformed requests or resolutions.
	ErrInvalid = errors.New("invalid approval")
)

// Options configures a Coordinator.
type Options struct {
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
	Tracer         trace.Tracer
}

// Decision is a settled approval as seen by the waiting task.
type Decision struct {
	ApprovalID    string            `json:"approval_id"`
	Resolution    domain.Resolution `json:"resolution"`
	Feedback      string            `json:"feedback,omitempty"`
	Modifications json.RawMessage   `json:"modifications,omitempty"`
}

// Approved reports whether the task may proceed.
func (d *Decision) Approved() bool {
	return d.Resolution == domain.ResolutionApproved || d.Resolution == domain.ResolutionModified
}

// Coordinator implements request / wait / resolve over the store.
type Coordinator struct {
	repo           store.Repository
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
	defaultTimeout time.Duration
	pollInterval   time.Duration
	now            func() time.Time

	mu      sync.Mutex
	signals map[string]chan struct{}
}

// NewCoordinator creates an approval coordinator over repo.
func NewCoordinator(repo store.Repository, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Coordinator{
		repo:           repo,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		defaultTimeout: opts.DefaultTimeout,
		pollInterval:   opts.PollInterval,
		now:            time.Now,
		signals:        make(map[string]chan struct{}),
	}
}

// Request persists a pending approval for runID and returns its id.
func (c *Coordinator) Request(ctx context.Context, runID string, kind domain.ApprovalKind, payload json.RawMessage, timeout time.Duration) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("%w: run id is required", ErrInvalid)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: context is not valid JSON", ErrInvalid)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	now := c.now()
	req := &domain.ApprovalRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Kind:      kind,
		Context:   payload,
		Status:    domain.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}
	if err := c.repo.CreateApproval(ctx, req); err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	c.arm(req.ID)

	c.logger.Info("Approval requested", "approval_id", req.ID, "run_id", runID, "kind", kind, "timeout", timeout)
	return req.ID, nil
}

// Wait blocks until the approval is settled, the deadline passes or ctx ends.
// A positive timeout overrides the request's own expiry. When the deadline
// passes the row is marked expired and ErrTimeout is returned.
func (c *Coordinator) Wait(ctx context.Context, id string, timeout time.Duration) (*Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "approval.wait", telemetry.AttrApprovalID.String(id))
	d, err := c.wait(ctx, id, timeout)
	if d != nil {
		span.SetAttributes(telemetry.AttrResolution.String(string(d.Resolution)))
	}
	telemetry.EndSpan(span, err)
	return d, err
}

func (c *Coordinator) wait(ctx context.Context, id string, timeout time.Duration) (*Decision, error) {
	start := c.now()

	// Arm before the first read so a resolve between the two is not missed.
	sig := c.arm(id)

	req, err := c.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if req == nil {
		c.forget(id)
		return nil, ErrNotFound
	}
	if d, done, err := c.settled(req); done {
		return d, err
	}

	deadline := req.ExpiresAt
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	defer func() {
		c.metrics.ApprovalWait.Record(context.Background(), c.now().Sub(start).Seconds())
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-sig:
			sig = nil
			if d, done, err := c.check(ctx, id); done {
				return d, err
			}

		case <-ticker.C:
			if d, done, err := c.check(ctx, id); done {
				return d, err
			}

		case <-timer.C:
			expired, err := c.repo.SetApprovalStatus(ctx, id, domain.ApprovalExpired, c.now())
			if err != nil {
				return nil, fmt.Errorf("expire approval: %w", err)
			}
			if expired {
				c.fire(id)
				c.count(ctx, "timeout")
				c.logger.Warn("Approval timed out", "approval_id", id)
				return nil, ErrTimeout
			}
			// Someone settled it between the last poll and the deadline.
			if d, done, err := c.check(ctx, id); done {
				return d, err
			}
			return nil, ErrTimeout
		}
	}
}

func (c *Coordinator) check(ctx context.Context, id string) (*Decision, bool, error) {
	req, err := c.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, true, fmt.Errorf("poll approval: %w", err)
	}
	if req == nil {
		return nil, true, ErrNotFound
	}
	return c.settled(req)
}

func (c *Coordinator) settled(req *domain.ApprovalRequest) (*Decision, bool, error) {
	switch req.Status {
	case domain.ApprovalResolved:
		c.forget(req.ID)
		d := &Decision{ApprovalID: req.ID, Resolution: req.Resolution}
		if req.Result != nil {
			d.Feedback = req.Result.Feedback
			d.Modifications = req.Result.Modifications
		}
		return d, true, nil
	case domain.ApprovalExpired:
		c.forget(req.ID)
		return nil, true, ErrExpired
	case domain.ApprovalCancelled:
		c.forget(req.ID)
		return nil, true, ErrCancelled
	default:
		return nil, false, nil
	}
}

// Resolve settles a pending approval. It returns false when the approval is
// unknown or already settled, so a second resolve is a no-op.
func (c *Coordinator) Resolve(ctx context.Context, id string, res domain.Resolution, feedback string, modifications json.RawMessage) (bool, error) {
	if !res.Valid() {
		return false, fmt.Errorf("%w: unknown resolution %q", ErrInvalid, res)
	}
	if len(modifications) > 0 && !json.Valid(modifications) {
		return false, fmt.Errorf("%w: modifications are not valid JSON", ErrInvalid)
	}

	var result *domain.ApprovalResult
	if feedback != "" || len(modifications) > 0 {
		result = &domain.ApprovalResult{Feedback: feedback, Modifications: modifications}
	}

	ok, err := c.repo.ResolveApproval(ctx, id, res, result, c.now())
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	if !ok {
		c.logger.Debug("Approval resolve was a no-op", "approval_id", id)
		return false, nil
	}

	c.fire(id)
	c.count(ctx, string(res))
	c.logger.Info("Approval resolved", "approval_id", id, "resolution", res)
	return true, nil
}

// Cancel withdraws a pending approval.
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := c.repo.SetApprovalStatus(ctx, id, domain.ApprovalCancelled, c.now())
	if err != nil {
		return false, fmt.Errorf("cancel approval: %w", err)
	}
	if ok {
		c.fire(id)
		c.count(ctx, "cancelled")
		c.logger.Info("Approval cancelled", "approval_id", id)
	}
	return ok, nil
}

// CancelRun withdraws every pending approval of a run and returns how many.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) (int, error) {
	pending, err := c.repo.ListPendingApprovals(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}
	n := 0
	for _, req := range pending {
		ok, err := c.Cancel(ctx, req.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ExpireOverdue marks pending approvals past their deadline expired and wakes
// their local waiters.
func (c *Coordinator) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := c.repo.ExpireOverdueApprovals(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	for _, id := range ids {
		c.fire(id)
		c.count(ctx, "expired")
	}
	return len(ids), nil
}

// Get returns an approval by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := c.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if req == nil {
		return nil, ErrNotFound
	}
	return req, nil
}

// ListPending returns pending approvals, for one run when runID is set.
func (c *Coordinator) ListPending(ctx context.Context, runID string) ([]*domain.ApprovalRequest, error) {
	out, err := c.repo.ListPendingApprovals(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return out, nil
}

func (c *Coordinator) arm(id string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.signals[id]
	if !ok {
		ch = make(chan struct{})
		c.signals[id] = ch
	}
	return ch
}

func (c *Coordinator) fire(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.signals[id]; ok {
		close(ch)
		delete(c.signals, id)
	}
}

func (c *Coordinator) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signals, id)
}

func (c *Coordinator) count(ctx context.Context, outcome string) {
	c.metrics.ApprovalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
