// Package worker is the runtime of a task subprocess. It reads the task spec
// from stdin, captures the process-global stdout, runs the task and reports
// back over the inherited queues described in package ipc.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/tasks"
)

// Exit codes of the worker process. A task failure is reported on the result
// queue and still exits with ExitOK.
const (
	ExitOK       = 0
	ExitProtocol = 2
)

// Main runs the worker using the process's own stdin and inherited fds.
func Main(ctx context.Context, catalog *tasks.Catalog) int {
	out := os.NewFile(ipc.OutputFD, "output-queue")
	res := os.NewFile(ipc.ResultFD, "result-queue")
	appr := os.NewFile(ipc.ApprovalFD, "approval-queue")
	if out == nil || res == nil || appr == nil {
		slog.Error("worker started without its queues")
		return ExitProtocol
	}
	defer out.Close()
	defer res.Close()

	return Serve(ctx, Queues{Spec: os.Stdin, Output: out, Result: res, Approvals: appr}, catalog)
}

// Queues are the worker's channels to the coordinator.
type Queues struct {
	Spec      io.Reader
	Output    io.Writer
	Result    io.Writer
	Approvals io.Reader
}

// Serve decodes the task spec, runs the task and posts exactly one result frame.
func Serve(ctx context.Context, q Queues, catalog *tasks.Catalog) int {
	out := ipc.NewEncoder(q.Output)
	results := ipc.NewEncoder(q.Result)

	var spec ipc.TaskSpec
	if err := json.NewDecoder(q.Spec).Decode(&spec); err != nil {
		return post(results, fail(ipc.FailureSpec, fmt.Sprintf("decode task spec: %v", err)))
	}
	logger := slog.Default().With("task_id", spec.TaskID, "task", spec.Task)

	fn, ok := catalog.Lookup(spec.Task)
	if !ok {
		return post(results, fail(ipc.FailureMode, fmt.Sprintf("unknown task %q", spec.Task)))
	}
	cfg := map[string]any{}
	if len(spec.Config) > 0 && string(spec.Config) != "null" {
		if err := json.Unmarshal(spec.Config, &cfg); err != nil {
			return post(results, fail(ipc.FailureSpec, fmt.Sprintf("decode task config: %v", err)))
		}
	}

	capture, err := captureStdout(out)
	if err != nil {
		logger.Error("capture stdout", "error", err)
		return post(results, fail(ipc.FailureTask, err.Error()))
	}
	rt := &taskRuntime{spec: spec, out: out, stdout: capture, approvals: newApprovalClient(out, capture.flush)}
	go rt.approvals.run(q.Approvals)
	tasks.InstallConsole(&tasks.Console{Out: os.Stdout, Err: os.Stderr})

	value, runErr := invoke(ctx, fn, rt, spec.Description, cfg)
	capture.restore()

	if runErr != nil {
		logger.Debug("task failed", "kind", runErr.kind, "error", runErr.msg)
		return post(results, runErr.result())
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return post(results, fail(ipc.FailureTask, fmt.Sprintf("encode result: %v", err)))
	}
	return post(results, ipc.Result{OK: true, Value: raw})
}

type failure struct {
	kind string
	msg  string
}

func (f *failure) result() ipc.Result { return fail(f.kind, f.msg) }

// invoke runs fn and converts both errors and panics into failures.
func invoke(ctx context.Context, fn tasks.Func, rt tasks.Runtime, desc string, cfg map[string]any) (value any, f *failure) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			value, f = nil, &failure{kind: ipc.FailurePanic, msg: fmt.Sprint(r)}
		}
	}()
	v, ferr := fn(ctx, rt, desc, cfg)
	if ferr != nil {
		return nil, &failure{kind: ipc.FailureTask, msg: ferr.Error()}
	}
	return v, nil
}

func fail(kind, msg string) ipc.Result {
	return ipc.Result{Failure: &ipc.Failure{Kind: kind, Message: msg}}
}

func post(enc *ipc.Encoder, r ipc.Result) int {
	if err := enc.Encode(ipc.FrameResult, r); err != nil {
		slog.Error("post result", "error", err)
		return ExitProtocol
	}
	return ExitOK
}

// flushMarker prefixes the barrier lines flush writes into the capture pipe.
// NUL bytes keep it from colliding with anything a task prints.
const flushMarker = "\x00taskhub-flush\x00"

// stdoutCapture swaps os.Stdout for a pipe whose lines become output events.
type stdoutCapture struct {
	orig *os.File
	w    *os.File
	done chan struct{}
	once sync.Once

	mu     sync.Mutex // serializes flushes against restore
	closed bool
	passed chan struct{}
}

func captureStdout(out *ipc.Encoder) (*stdoutCapture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	c := &stdoutCapture{orig: os.Stdout, w: w, done: make(chan struct{}), passed: make(chan struct{}, 1)}
	os.Stdout = w

	go func() {
		defer close(c.done)
		defer r.Close()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			i := strings.Index(line, flushMarker)
			if i < 0 {
				_ = out.Encode(ipc.EventOutput, ipc.OutputPayload{Text: line, Stream: "stdout"})
				continue
			}
			// A partial line printed before the barrier goes out first.
			if i > 0 {
				_ = out.Encode(ipc.EventOutput, ipc.OutputPayload{Text: line[:i], Stream: "stdout"})
			}
			select {
			case c.passed <- struct{}{}:
			default:
			}
		}
	}()
	return c, nil
}

// flush blocks until everything printed so far has been encoded, so frames
// written directly to the output queue afterwards keep emit order.
func (c *stdoutCapture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, err := io.WriteString(c.w, flushMarker+"\n"); err != nil {
		slog.Warn("stdout flush barrier", "error", err)
		return
	}
	select {
	case <-c.passed:
	case <-c.done:
	case <-time.After(5 * time.Second):
		slog.Warn("stdout capture did not reach flush barrier")
	}
}

// restore puts the original stdout back and waits until every captured line
// has been forwarded.
func (c *stdoutCapture) restore() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		os.Stdout = c.orig
		_ = c.w.Close()
		c.mu.Unlock()
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("stdout capture did not drain")
		}
	})
}

// taskRuntime implements tasks.Runtime on top of the output queue.
type taskRuntime struct {
	spec      ipc.TaskSpec
	out       *ipc.Encoder
	stdout    *stdoutCapture
	approvals *approvalClient
}

func (r *taskRuntime) TaskID() string { return r.spec.TaskID }

func (r *taskRuntime) Emit(eventType string, payload any) error {
	r.stdout.flush()
	return r.out.Encode(eventType, payload)
}

func (r *taskRuntime) Phase(phase string, step *int, plan any) error {
	p := ipc.PhasePayload{Phase: phase, Step: step}
	if plan != nil {
		raw, err := json.Marshal(plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		p.PlanData = raw
	}
	return r.Emit(ipc.EventPhaseChange, p)
}

func (r *taskRuntime) RequestApproval(ctx context.Context, kind domain.ApprovalKind, payload any, timeout time.Duration) (*tasks.Decision, error) {
	return r.approvals.request(ctx, kind, payload, timeout)
}

func (r *taskRuntime) Resume() *ipc.ResumeState { return r.spec.Resume }
