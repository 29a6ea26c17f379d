// Package run drives a task from submission to its terminal event: it owns
// the session for the run, feeds worker events to the connection registry,
// snapshots resumable state and settles the session when the worker ends.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/engine"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/modes"
	"github.com/ashureev/taskhub/internal/session"
	"github.com/ashureev/taskhub/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrInvalidRequest is returned for submissions missing required fields.
	ErrInvalidRequest = errors.New("invalid task request")
	// ErrTaskBusy is returned when the task id or session already has a run.
	ErrTaskBusy = errors.New("task already running")
	// ErrNotRunning is returned by control operations with nothing to act on.
	ErrNotRunning = errors.New("task is not running")
	// ErrNotResumable is returned when a session reached a terminal state.
	ErrNotResumable = errors.New("session cannot be resumed")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("service is shutting down")
)

const persistTimeout = 10 * time.Second

// Executor runs tasks in isolated workers. Reserve takes a worker slot ahead
// of Execute; Release returns one Execute never claimed.
type Executor interface {
	Reserve(taskID string) error
	Release(taskID string)
	Execute(ctx context.Context, spec ipc.TaskSpec, sink engine.Sink) (*engine.Result, error)
	Cancel(taskID string) error
	Pause(taskID string) error
	Resume(taskID string) error
}

// Publisher delivers outbound events to whatever client holds the task id.
type Publisher interface {
	Send(ctx context.Context, taskID, eventType string, payload any, queueIfDisconnected bool) bool
	Bind(ctx context.Context, taskID, sessionID string)
	RunID(taskID string) string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sessions  *session.Coordinator
	Approvals *approval.Coordinator
	Engine    Executor
	Modes     *modes.Catalogue
	Publisher Publisher
}

// Options configures a Service.
type Options struct {
	// SnapshotEvery forces a state snapshot after this many events. Phase
	// changes always snapshot.
	SnapshotEvery int
	HistoryLimit  int
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// Service coordinates runs.
type Service struct {
	sessions  *session.Coordinator
	approvals *approval.Coordinator
	engine    Executor
	modes     *modes.Catalogue
	pub       Publisher
	logger    *slog.Logger
	tracer    trace.Tracer

	snapshotEvery int
	historyLimit  int

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*runState // nil value: reserved, not started
	closing bool
}

// NewService creates a run service.
func NewService(d Deps, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 25
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		sessions:      d.Sessions,
		approvals:     d.Approvals,
		engine:        d.Engine,
		modes:         d.Modes,
		pub:           d.Publisher,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		snapshotEvery: opts.SnapshotEvery,
		historyLimit:  opts.HistoryLimit,
		baseCtx:       ctx,
		stop:          stop,
		runs:          make(map[string]*runState),
	}
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Description string
	Mode        string
	Name        string
	Owner       string
	Config      json.RawMessage
	// SessionID continues an existing, non-terminal session.
	SessionID string
}

// Submission identifies a started run.
type Submission struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
	Resumed   bool   `json:"resumed,omitempty"`
}

// Submit validates the request, creates or reuses a session and starts the
// worker. It returns once the run is started; the outcome arrives as events.
func (s *Service) Submit(ctx context.Context, taskID string, req SubmitRequest) (*Submission, error) {
	ctx, span := telemetry.StartServerSpan(ctx, s.tracer, "run.submit",
		telemetry.AttrTaskID.String(taskID),
		telemetry.AttrMode.String(req.Mode),
	)
	sub, err := s.submit(ctx, taskID, req)
	if sub != nil {
		span.SetAttributes(telemetry.AttrSessionID.String(sub.SessionID))
	}
	telemetry.EndSpan(span, err)
	return sub, err
}

func (s *Service) submit(ctx context.Context, taskID string, req SubmitRequest) (*Submission, error) {
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: task_description is required", ErrInvalidRequest)
	}
	mode, cfg, err := s.modes.Resolve(req.Mode, req.Config)
	if err != nil {
		return nil, err
	}

	if err := s.reserve(taskID); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			s.unreserve(taskID)
		}
	}()
	// Refuse at the worker limit before any session is created or reopened.
	if err := s.engine.Reserve(taskID); err != nil {
		return nil, err
	}
	defer func() {
		if !started {
			s.engine.Release(taskID)
		}
	}()

	var prior *domain.SessionState
	sessionID := req.SessionID
	if sessionID != "" {
		r, err := s.sessions.Restore(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := s.reopen(ctx, r); err != nil {
			return nil, err
		}
		prior = r.State
	} else {
		sessionID, err = s.sessions.Create(ctx, session.CreateParams{
			Mode:   mode.Name,
			Name:   req.Name,
			Owner:  req.Owner,
			Config: cfg,
		})
		if err != nil {
			return nil, err
		}
	}

	rs := newRunState(taskID, sessionID, mode.Name)
	if prior != nil {
		rs.seed(prior)
	}
	rs.vars[varDescription] = req.Description
	rs.vars[varTaskID] = taskID
	rs.addHistory("user", req.Description, s.historyLimit)

	spec := ipc.TaskSpec{
		TaskID:      taskID,
		RunID:       sessionID,
		Mode:        mode.Name,
		Task:        mode.Task,
		Description: req.Description,
		Config:      cfg,
	}
	s.start(ctx, rs, spec, false)
	started = true
	return &Submission{TaskID: taskID, SessionID: sessionID, Mode: mode.Name}, nil
}

// reopen checks that a restored session may take a new worker and resumes
// it when suspended.
func (s *Service) reopen(ctx context.Context, r *session.Restored) error {
	if r.Live {
		return fmt.Errorf("%w: session %s", ErrTaskBusy, r.Session.ID)
	}
	if r.Session.Status.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrNotResumable, r.Session.Status)
	}
	if r.Session.Status == domain.SessionSuspended {
		ok, err := s.sessions.Resume(ctx, r.Session.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session changed state", ErrNotResumable)
		}
		r.State.Status = domain.StateActive
	}
	return nil
}

func (s *Service) reserve(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	if _, ok := s.runs[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskBusy, taskID)
	}
	s.runs[taskID] = nil
	return nil
}

func (s *Service) unreserve(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.runs[taskID]; ok && rs == nil {
		delete(s.runs, taskID)
	}
}

func (s *Service) live(taskID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[taskID]
}

func (s *Service) start(ctx context.Context, rs *runState, spec ipc.TaskSpec, resumed bool) {
	s.mu.Lock()
	s.runs[rs.taskID] = rs
	s.mu.Unlock()

	s.sessions.Attach(rs.sessionID, rs)
	s.pub.Bind(ctx, rs.taskID, rs.sessionID)
	s.snapshot(ctx, rs)
	s.publish(rs, EventStatus, StatusPayload{State: StateRunning, SessionID: rs.sessionID, Mode: rs.mode, Resumed: resumed})

	s.logger.Info("Run started", "task_id", rs.taskID, "session_id", rs.sessionID, "mode", rs.mode, "resumed", resumed)
	s.wg.Add(1)
	go s.execute(rs, spec)
}

func (s *Service) execute(rs *runState, spec ipc.TaskSpec) {
	defer s.wg.Done()
	defer close(rs.done)

	logger := s.logger.With("task_id", rs.taskID, "session_id", rs.sessionID)
	var (
		res *engine.Result
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Run panicked", "panic", r)
				err = fmt.Errorf("run panicked: %v", r)
			}
		}()
		res, err = s.engine.Execute(s.baseCtx, spec, s.sink(rs))
	}()
	s.finish(rs, res, err, logger)
}

func (s *Service) sink(rs *runState) engine.Sink {
	return func(eventType string, payload json.RawMessage) {
		s.publish(rs, eventType, payload)
		if rs.observe(eventType, payload, s.snapshotEvery, s.historyLimit) {
			s.snapshot(s.baseCtx, rs)
		}
	}
}

// finish persists the outcome, releases the task id and emits exactly one
// terminal event.
func (s *Service) finish(rs *runState, res *engine.Result, runErr error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	cancelled, closing := rs.flags()

	var (
		eventType string
		payload   any
		settle    func() (bool, error)
	)
	switch {
	case runErr != nil:
		p := ErrorPayload{Kind: ErrorKindSpawn, Message: runErr.Error()}
		var ce *engine.CrashError
		switch {
		case errors.As(runErr, &ce):
			p.Kind = ErrorKindCrashed
			p.ExitCode = &ce.ExitCode
		case errors.Is(runErr, engine.ErrResourceExhausted):
			p.Kind = ErrorKindExhausted
		}
		rs.addHistory("error", p.Message, s.historyLimit)
		eventType, payload = EventError, p
		settle = func() (bool, error) { return s.sessions.Fail(ctx, rs.sessionID) }

	case res.Outcome == engine.OutcomeCancelled && closing && !cancelled:
		// Stopped by shutdown: keep the session resumable.
		eventType, payload = EventStatus, StatusPayload{State: StateSuspended, SessionID: rs.sessionID}
		settle = func() (bool, error) { return s.sessions.Suspend(ctx, rs.sessionID) }

	case res.Outcome == engine.OutcomeCancelled:
		rs.addHistory("system", "cancelled", s.historyLimit)
		eventType, payload = EventComplete, CompletePayload{Status: CompleteCancelled}
		settle = func() (bool, error) { return s.sessions.Complete(ctx, rs.sessionID) }

	case res.Outcome == engine.OutcomeCompleted:
		rs.addHistory("result", string(res.Value), s.historyLimit)
		s.publish(rs, EventResult, ResultPayload{Value: res.Value, DurationMS: res.Duration.Milliseconds()})
		eventType, payload = EventComplete, CompletePayload{Status: CompleteCompleted}
		settle = func() (bool, error) { return s.sessions.Complete(ctx, rs.sessionID) }

	default:
		p := ErrorPayload{Kind: res.Failure.Kind, Message: res.Failure.Message, ExitCode: &res.ExitCode}
		rs.addHistory("error", p.Message, s.historyLimit)
		eventType, payload = EventError, p
		settle = func() (bool, error) { return s.sessions.Fail(ctx, rs.sessionID) }
	}

	s.snapshot(ctx, rs)
	if _, err := settle(); err != nil {
		logger.Error("Failed to settle session", "error", err)
	}
	if n, err := s.approvals.CancelRun(ctx, rs.sessionID); err != nil {
		logger.Error("Failed to cancel pending approvals", "error", err)
	} else if n > 0 {
		logger.Info("Cancelled pending approvals", "count", n)
	}

	s.sessions.Detach(rs.sessionID)
	s.mu.Lock()
	if s.runs[rs.taskID] == rs {
		delete(s.runs, rs.taskID)
	}
	s.mu.Unlock()

	s.publish(rs, eventType, payload)
	logger.Info("Run finished", "event", eventType)
}

func (s *Service) publish(rs *runState, eventType string, payload any) {
	s.pub.Send(s.baseCtx, rs.taskID, eventType, payload, true)
}

// snapshot writes the live view as the session's state. Failures are logged
// and the run continues.
func (s *Service) snapshot(ctx context.Context, rs *runState) {
	ok, err := s.sessions.SaveState(ctx, rs.sessionID, rs.update())
	switch {
	case err != nil:
		s.logger.Warn("Failed to snapshot session state", "session_id", rs.sessionID, "error", err)
	case !ok:
		s.logger.Debug("Session not active, snapshot skipped", "session_id", rs.sessionID)
	}
}

// Cancel stops the task's worker. Without a worker, a session left
// suspended (for instance by a restart) is completed as cancelled.
func (s *Service) Cancel(ctx context.Context, taskID, sessionID string) error {
	if rs := s.live(taskID); rs != nil {
		rs.markCancelled()
		// A worker that already exited still reports its own terminal event.
		if err := s.engine.Cancel(taskID); err != nil && !errors.Is(err, engine.ErrNotRunning) {
			return err
		}
		return nil
	}

	sid := s.sessionFor(taskID, sessionID)
	if sid == "" {
		return ErrNotRunning
	}
	ok, err := s.sessions.Complete(ctx, sid)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRunning
	}
	if _, err := s.approvals.CancelRun(ctx, sid); err != nil {
		s.logger.Error("Failed to cancel pending approvals", "session_id", sid, "error", err)
	}
	s.pub.Bind(ctx, taskID, sid)
	s.pub.Send(ctx, taskID, EventComplete, CompletePayload{Status: CompleteCancelled}, true)
	return nil
}

// Pause stops the worker in place and suspends its session.
func (s *Service) Pause(ctx context.Context, taskID string) error {
	rs := s.live(taskID)
	if rs == nil {
		return ErrNotRunning
	}
	if err := s.engine.Pause(taskID); err != nil {
		return err
	}
	s.snapshot(ctx, rs)
	if _, err := s.sessions.Suspend(ctx, rs.sessionID); err != nil {
		s.logger.Error("Failed to suspend session", "session_id", rs.sessionID, "error", err)
	}
	s.publish(rs, EventStatus, StatusPayload{State: StatePaused, SessionID: rs.sessionID})
	return nil
}

// Resume continues a paused worker, or respawns one from the durable state
// when this process holds none.
func (s *Service) Resume(ctx context.Context, taskID, sessionID string) (*Submission, error) {
	if rs := s.live(taskID); rs != nil {
		if _, err := s.sessions.Resume(ctx, rs.sessionID); err != nil {
			return nil, err
		}
		if err := s.engine.Resume(taskID); err != nil {
			return nil, err
		}
		s.publish(rs, EventStatus, StatusPayload{State: StateRunning, SessionID: rs.sessionID, Mode: rs.mode})
		return &Submission{TaskID: taskID, SessionID: rs.sessionID, Mode: rs.mode}, nil
	}

	sid := s.sessionFor(taskID, sessionID)
	if sid == "" {
		return nil, ErrNotRunning
	}
	return s.respawn(ctx, taskID, sid)
}

func (s *Service) respawn(ctx context.Context, taskID, sessionID string) (*Submission, error) {
	if err := s.reserve(taskID); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			s.unreserve(taskID)
		}
	}()
	// Refuse at the worker limit before any session is created or reopened.
	if err := s.engine.Reserve(taskID); err != nil {
		return nil, err
	}
	defer func() {
		if !started {
			s.engine.Release(taskID)
		}
	}()

	r, err := s.sessions.Restore(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.reopen(ctx, r); err != nil {
		return nil, err
	}
	if r.State.Status != domain.StateActive {
		return nil, fmt.Errorf("%w: state is %s", ErrNotResumable, r.State.Status)
	}
	mode, cfg, err := s.modes.Resolve(r.Session.Mode, r.Session.Config)
	if err != nil {
		return nil, err
	}

	rs := newRunState(taskID, sessionID, mode.Name)
	rs.seed(r.State)
	rs.vars[varTaskID] = taskID
	desc, _ := rs.vars[varDescription].(string)

	spec := ipc.TaskSpec{
		TaskID:      taskID,
		RunID:       sessionID,
		Mode:        mode.Name,
		Task:        mode.Task,
		Description: desc,
		Config:      cfg,
		Resume:      rs.resumeState(),
	}
	s.start(ctx, rs, spec, true)
	started = true
	return &Submission{TaskID: taskID, SessionID: sessionID, Mode: mode.Name, Resumed: true}, nil
}

func (s *Service) sessionFor(taskID, sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return s.pub.RunID(taskID)
}

// ResolveApproval settles a pending approval. It reports false when the
// approval was already settled.
func (s *Service) ResolveApproval(ctx context.Context, id string, res domain.Resolution, feedback string, modifications json.RawMessage) (bool, error) {
	return s.approvals.Resolve(ctx, id, res, feedback, modifications)
}

// Refresh snapshots every live run so long, quiet tasks are not taken for
// idle sessions. It returns the number of runs refreshed.
func (s *Service) Refresh(ctx context.Context) int {
	s.mu.Lock()
	live := make([]*runState, 0, len(s.runs))
	for _, rs := range s.runs {
		if rs != nil {
			live = append(live, rs)
		}
	}
	s.mu.Unlock()

	for _, rs := range live {
		s.snapshot(ctx, rs)
	}
	return len(live)
}

// TaskFor returns the task id of the live run holding sessionID.
func (s *Service) TaskFor(sessionID string) (string, bool) {
	h, ok := s.sessions.Handle(sessionID)
	if !ok {
		return "", false
	}
	rs, ok := h.(*runState)
	if !ok {
		return "", false
	}
	return rs.taskID, true
}

// Running reports whether taskID has a live run.
func (s *Service) Running(taskID string) bool {
	return s.live(taskID) != nil
}

// Wait blocks until the run of taskID ends or ctx is done. It returns
// immediately when no run is live.
func (s *Service) Wait(ctx context.Context, taskID string) error {
	rs := s.live(taskID)
	if rs == nil {
		return nil
	}
	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every worker, leaving their sessions suspended so they can
// be resumed after a restart, and waits for the runs to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for _, rs := range s.runs {
		if rs != nil {
			rs.markClosing()
		}
	}
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
