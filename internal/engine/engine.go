// Package engine runs each task in its own worker subprocess and relays the
// worker's events, approvals and result back to the coordinator.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a worker.
type State string

const (
	StateSpawning   State = "spawning"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCancelling State = "cancelling"
)

// Outcome is how a task ended when a worker did post a result or was
// cancelled. Crashes are reported as errors.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what Execute returns for a finished task.
type Result struct {
	TaskID   string          `json:"task_id"`
	Outcome  Outcome         `json:"outcome"`
	Value    json.RawMessage `json:"value,omitempty"`
	Failure  *ipc.Failure    `json:"failure,omitempty"`
	ExitCode int             `json:"exit_code"`
	Duration time.Duration   `json:"duration"`
}

// Info describes a running worker.
type Info struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Mode      string    `json:"mode"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Sink receives every event a worker emits, in emit order. It is called from
// the task's monitor goroutine.
type Sink func(eventType string, payload json.RawMessage)

// Approver persists approval requests raised by workers and waits for their
// resolution.
type Approver interface {
	Request(ctx context.Context, runID string, kind domain.ApprovalKind, payload json.RawMessage, timeout time.Duration) (string, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (*approval.Decision, error)
}

// Options configures an Engine.
type Options struct {
	MaxWorkers    int
	KillGrace     time.Duration
	DrainTimeout  time.Duration
	ResultTimeout time.Duration

	// Path and Args locate the worker entry point. Path defaults to the
	// running executable and Args to ["worker"].
	Path string
	Args []string
	Env  []string

	Approvals Approver
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Tracer    trace.Tracer
}

// Engine spawns and supervises worker subprocesses.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	info     Info // guarded by Engine.mu
	reserved bool // guarded by Engine.mu; admitted by Reserve, not yet claimed by Execute

	cmd    *exec.Cmd
	output *os.File
	result *os.File
	stdout *lineLogger
	stderr *lineLogger

	replyW  *os.File
	replies *ipc.Encoder

	cancel     chan struct{}
	cancelOnce sync.Once

	approvalCtx   context.Context
	stopApprovals context.CancelFunc
	approvals     sync.WaitGroup
}

func (t *task) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancel) })
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 2 * time.Second
	}
	if opts.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("engine: locate worker executable: %w", err)
		}
		opts.Path = exe
		if opts.Args == nil {
			opts.Args = []string{"worker"}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	return &Engine{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		tasks:   make(map[string]*task),
	}, nil
}

// MaxWorkers returns the configured concurrency limit.
func (e *Engine) MaxWorkers() int { return e.opts.MaxWorkers }

// Execute runs spec in a new worker and blocks until the task ends. Events
// reach sink as the worker emits them. A worker that exits without a result
// yields a *CrashError; cancellation through Cancel or ctx yields a Result
// with OutcomeCancelled.
func (e *Engine) Execute(ctx context.Context, spec ipc.TaskSpec, sink Sink) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.execute",
		telemetry.AttrTaskID.String(spec.TaskID),
		telemetry.AttrRunID.String(spec.RunID),
		telemetry.AttrMode.String(spec.Mode),
	)
	res, err := e.execute(ctx, spec, sink)
	if res != nil {
		span.SetAttributes(telemetry.AttrOutcome.String(string(res.Outcome)))
	}
	telemetry.EndSpan(span, err)
	return res, err
}

func (e *Engine) execute(ctx context.Context, spec ipc.TaskSpec, sink Sink) (*Result, error) {
	if spec.TaskID == "" {
		return nil, errors.New("engine: task id is required")
	}
	if sink == nil {
		sink = func(string, json.RawMessage) {}
	}

	t, err := e.claim(spec)
	if err != nil {
		return nil, err
	}
	defer e.release(t)

	logger := e.logger.With("task_id", spec.TaskID, "run_id", spec.RunID)
	select {
	case <-t.cancel:
		t.stopApprovals()
		logger.Info("task cancelled before its worker started")
		return &Result{TaskID: spec.TaskID, Outcome: OutcomeCancelled}, nil
	default:
	}
	if err := e.spawn(t, spec, logger); err != nil {
		t.stopApprovals()
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrWorkerPID.Int(t.cmd.Process.Pid))
	logger.Info("worker started", "pid", t.cmd.Process.Pid, "task", spec.Task)

	res, err := e.monitor(ctx, t, sink, logger)
	e.record(ctx, t, res, err)

	switch {
	case err != nil:
		logger.Warn("worker crashed", "error", err)
	default:
		logger.Info("worker finished", "outcome", res.Outcome, "exit_code", res.ExitCode, "duration", res.Duration)
	}
	return res, err
}

// Reserve takes a worker slot for taskID ahead of Execute, so a caller can
// refuse work at the limit before committing to it. The reservation counts
// against MaxWorkers and accepts Cancel. Execute with the same task id claims
// it; Release gives it back unused.
func (e *Engine) Reserve(taskID string) error {
	if taskID == "" {
		return errors.New("engine: task id is required")
	}
	t, err := e.admit(ipc.TaskSpec{TaskID: taskID})
	if err != nil {
		return err
	}
	e.mu.Lock()
	t.reserved = true
	e.mu.Unlock()
	return nil
}

// Release frees a reservation that Execute never claimed.
func (e *Engine) Release(taskID string) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || !t.reserved {
		e.mu.Unlock()
		return
	}
	delete(e.tasks, taskID)
	e.mu.Unlock()
	t.stopApprovals()
	e.metrics.ActiveWorkers.Add(context.Background(), -1)
}

// claim turns a reservation for spec.TaskID into a task, or admits a new one.
func (e *Engine) claim(spec ipc.TaskSpec) (*task, error) {
	e.mu.Lock()
	if t, ok := e.tasks[spec.TaskID]; ok && t.reserved {
		t.reserved = false
		t.info.RunID = spec.RunID
		t.info.Mode = spec.Mode
		t.info.StartedAt = time.Now()
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()
	return e.admit(spec)
}

func (e *Engine) admit(spec ipc.TaskSpec) (*task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tasks[spec.TaskID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, spec.TaskID)
	}
	if len(e.tasks) >= e.opts.MaxWorkers {
		return nil, fmt.Errorf("%w: %d of %d workers busy", ErrResourceExhausted, len(e.tasks), e.opts.MaxWorkers)
	}

	approvalCtx, stop := context.WithCancel(context.Background())
	t := &task{
		info: Info{
			TaskID:    spec.TaskID,
			RunID:     spec.RunID,
			Mode:      spec.Mode,
			State:     StateSpawning,
			StartedAt: time.Now(),
		},
		cancel:        make(chan struct{}),
		approvalCtx:   approvalCtx,
		stopApprovals: stop,
	}
	e.tasks[spec.TaskID] = t
	e.metrics.ActiveWorkers.Add(context.Background(), 1)
	return t, nil
}

func (e *Engine) release(t *task) {
	e.mu.Lock()
	delete(e.tasks, t.info.TaskID)
	e.mu.Unlock()
	e.metrics.ActiveWorkers.Add(context.Background(), -1)
}

func (e *Engine) spawn(t *task, spec ipc.TaskSpec, logger *slog.Logger) error {
	input, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("engine: encode task spec: %w", err)
	}

	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("engine: create queue: %w", err)
		}
		opened = append(opened, r, w)
		return r, w, nil
	}

	outR, outW, err := pipe()
	if err != nil {
		closeAll()
		return err
	}
	resR, resW, err := pipe()
	if err != nil {
		closeAll()
		return err
	}
	replyR, replyW, err := pipe()
	if err != nil {
		closeAll()
		return err
	}

	t.stdout = newLineLogger(logger, "stdout")
	t.stderr = newLineLogger(logger, "stderr")

	cmd := exec.Command(e.opts.Path, e.opts.Args...)
	cmd.Env = append(os.Environ(), e.opts.Env...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr
	// fd 3, 4 and 5 in the child, in this order.
	cmd.ExtraFiles = []*os.File{outW, resW, replyR}
	cmd.WaitDelay = e.opts.DrainTimeout
	configureWorkerProc(cmd)

	if err := cmd.Start(); err != nil {
		closeAll()
		return fmt.Errorf("engine: start worker: %w", err)
	}
	// The child holds its own copies now.
	_ = outW.Close()
	_ = resW.Close()
	_ = replyR.Close()

	t.cmd = cmd
	t.output = outR
	t.result = resR
	t.replyW = replyW
	t.replies = ipc.NewEncoder(replyW)

	e.mu.Lock()
	t.info.PID = cmd.Process.Pid
	if t.info.State == StateSpawning {
		t.info.State = StateRunning
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) record(ctx context.Context, t *task, res *Result, err error) {
	outcome := "crashed"
	if err == nil {
		outcome = string(res.Outcome)
	}
	ctx = context.WithoutCancel(ctx)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("mode", t.info.Mode))
	e.metrics.TasksTotal.Add(ctx, 1, attrs)
	e.metrics.TaskDuration.Record(ctx, time.Since(t.info.StartedAt).Seconds(), attrs)
}

// Cancel stops a running task: SIGTERM first, SIGKILL after the grace period.
// The matching Execute call returns a cancelled Result.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	t.requestCancel()
	return nil
}

// Pause stops a running worker in place. Pausing a paused task is a no-op.
func (e *Engine) Pause(taskID string) error {
	return e.signal(taskID, StateRunning, StatePaused, suspendProcess)
}

// Resume continues a paused worker. Resuming a running task is a no-op.
func (e *Engine) Resume(taskID string) error {
	return e.signal(taskID, StatePaused, StateRunning, resumeProcess)
}

func (e *Engine) signal(taskID string, from, to State, send func(*os.Process) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tasks[taskID]
	if !ok || t.cmd == nil || t.cmd.Process == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	switch t.info.State {
	case to:
		return nil
	case from:
	default:
		return fmt.Errorf("engine: task %s is %s", taskID, t.info.State)
	}
	if err := send(t.cmd.Process); err != nil {
		return fmt.Errorf("engine: signal worker: %w", err)
	}
	t.info.State = to
	return nil
}

// Running reports whether taskID has a live worker.
func (e *Engine) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[taskID]
	return ok
}

// Active returns a snapshot of running workers, oldest first.
func (e *Engine) Active() []Info {
	e.mu.Lock()
	out := make([]Info, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.info)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown cancels every running task.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		t.requestCancel()
	}
}

func (e *Engine) setState(t *task, s State) {
	e.mu.Lock()
	t.info.State = s
	e.mu.Unlock()
}
