package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"time"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
)

// ApprovalEvent is the approval_required payload delivered to the sink once
// the request has been persisted.
type ApprovalEvent struct {
	ApprovalID string          `json:"approval_id"`
	Kind       string          `json:"kind"`
	Context    json.RawMessage `json:"context,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
}

type resultRead struct {
	res ipc.Result
	err error
}

// monitor relays frames until the worker exits, drains what is left and
// turns the result frame (or its absence) into the Execute return values.
func (e *Engine) monitor(ctx context.Context, t *task, sink Sink, logger *slog.Logger) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("monitor panicked", "panic", r, "stack", string(debug.Stack()))
			_ = t.cmd.Process.Kill()
			res, err = nil, &CrashError{TaskID: t.info.TaskID, ExitCode: -1, Reason: fmt.Sprintf("monitor panic: %v", r)}
		}
	}()

	frames := make(chan ipc.Frame, 64)
	stopDecode := make(chan struct{})
	go decodeFrames(t.output, frames, stopDecode, logger)

	results := make(chan resultRead, 1)
	go readResult(t.result, results)

	exited := make(chan error, 1)
	go func() { exited <- t.cmd.Wait() }()

	var (
		waitErr   error
		cancelled bool
		killTimer *time.Timer
	)
	cancelCh := t.cancel
	ctxDone := ctx.Done()
	terminate := func(why string) {
		if cancelled {
			return
		}
		cancelled = true
		e.setState(t, StateCancelling)
		logger.Info("cancelling worker", "reason", why)
		if err := terminateProcess(t.cmd.Process); err != nil {
			logger.Debug("signal worker", "error", err)
		}
		p := t.cmd.Process
		killTimer = time.AfterFunc(e.opts.KillGrace, func() {
			logger.Warn("worker ignored termination, killing", "grace", e.opts.KillGrace)
			_ = p.Kill()
		})
	}

	for running := true; running; {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			e.dispatch(t, f, sink, logger)
		case waitErr = <-exited:
			running = false
		case <-cancelCh:
			cancelCh = nil
			terminate("cancel requested")
		case <-ctxDone:
			ctxDone = nil
			terminate("context done")
		}
	}
	if killTimer != nil {
		killTimer.Stop()
	}
	t.stdout.Flush()
	t.stderr.Flush()

	if frames != nil {
		drain := time.NewTimer(e.opts.DrainTimeout)
	drainLoop:
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					break drainLoop
				}
				e.dispatch(t, f, sink, logger)
			case <-drain.C:
				logger.Warn("output queue not drained", "timeout", e.opts.DrainTimeout)
				break drainLoop
			}
		}
		drain.Stop()
	}
	close(stopDecode)
	_ = t.output.Close()

	var rr resultRead
	select {
	case rr = <-results:
	case <-time.After(e.opts.ResultTimeout):
		rr.err = errors.New("timed out reading result")
	}
	_ = t.result.Close()

	t.stopApprovals()
	t.approvals.Wait()
	_ = t.replyW.Close()

	out := &Result{
		TaskID:   t.info.TaskID,
		ExitCode: exitCode(waitErr),
		Duration: time.Since(t.info.StartedAt),
	}
	switch {
	case cancelled:
		out.Outcome = OutcomeCancelled
		return out, nil
	case rr.err != nil:
		return nil, &CrashError{
			TaskID:   t.info.TaskID,
			ExitCode: out.ExitCode,
			Signal:   exitSignal(waitErr),
			Reason:   rr.err.Error(),
		}
	case rr.res.OK:
		out.Outcome = OutcomeCompleted
		out.Value = rr.res.Value
	default:
		out.Outcome = OutcomeFailed
		out.Failure = rr.res.Failure
		if out.Failure == nil {
			out.Failure = &ipc.Failure{Kind: ipc.FailureTask, Message: "task failed"}
		}
	}
	return out, nil
}

func decodeFrames(r io.Reader, frames chan<- ipc.Frame, stop <-chan struct{}, logger *slog.Logger) {
	defer close(frames)
	dec := ipc.NewDecoder(r)
	for {
		f, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Warn("output queue read failed", "error", err)
			}
			return
		}
		select {
		case frames <- f:
		case <-stop:
			return
		}
	}
}

func readResult(r io.Reader, out chan<- resultRead) {
	f, err := ipc.NewDecoder(r).Next()
	switch {
	case errors.Is(err, io.EOF):
		out <- resultRead{err: errors.New("no result posted")}
		return
	case err != nil:
		out <- resultRead{err: fmt.Errorf("read result: %w", err)}
		return
	case f.Type != ipc.FrameResult:
		out <- resultRead{err: fmt.Errorf("unexpected %q frame on result queue", f.Type)}
		return
	}
	var res ipc.Result
	if err := ipc.Unmarshal(f, &res); err != nil {
		out <- resultRead{err: err}
		return
	}
	out <- resultRead{res: res}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (e *Engine) dispatch(t *task, f ipc.Frame, sink Sink, logger *slog.Logger) {
	if f.Type == ipc.EventApprovalRequired {
		e.bridgeApproval(t, f, sink, logger)
		return
	}
	deliver(sink, f.Type, f.Payload, logger)
}

func deliver(sink Sink, eventType string, payload json.RawMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event sink panicked", "event_type", eventType, "panic", r)
		}
	}()
	sink(eventType, payload)
}

// bridgeApproval persists the worker's request, tells the sink and answers
// the worker once a decision or timeout arrives.
func (e *Engine) bridgeApproval(t *task, f ipc.Frame, sink Sink, logger *slog.Logger) {
	var req ipc.ApprovalRequest
	if err := ipc.Unmarshal(f, &req); err != nil || req.RequestKey == "" {
		logger.Warn("malformed approval request from worker", "error", err)
		return
	}
	answer := func(resp ipc.ApprovalResponse) {
		resp.RequestKey = req.RequestKey
		if err := t.replies.Encode(ipc.FrameApproval, resp); err != nil {
			logger.Debug("answer worker approval", "error", err)
		}
	}

	kind := domain.ApprovalKind(req.Kind)
	switch {
	case e.opts.Approvals == nil:
		answer(ipc.ApprovalResponse{Error: "approvals are not available"})
		return
	case !kind.Valid():
		answer(ipc.ApprovalResponse{Error: fmt.Sprintf("unknown approval kind %q", req.Kind)})
		return
	}

	id, err := e.opts.Approvals.Request(t.approvalCtx, t.info.RunID, kind, req.Context, req.Timeout())
	if err != nil {
		logger.Error("persist approval request", "error", err)
		answer(ipc.ApprovalResponse{Error: "approval request could not be stored"})
		return
	}
	logger = logger.With("approval_id", id)

	payload, _ := json.Marshal(ApprovalEvent{ApprovalID: id, Kind: req.Kind, Context: req.Context, TimeoutMS: req.TimeoutMS})
	deliver(sink, ipc.EventApprovalRequired, payload, logger)

	t.approvals.Add(1)
	go func() {
		defer t.approvals.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("approval waiter panicked", "panic", r)
			}
		}()

		d, err := e.opts.Approvals.Wait(t.approvalCtx, id, req.Timeout())
		switch {
		case err == nil:
			answer(ipc.ApprovalResponse{
				ApprovalID:    id,
				Resolution:    string(d.Resolution),
				Feedback:      d.Feedback,
				Modifications: d.Modifications,
			})
		case errors.Is(err, approval.ErrTimeout), errors.Is(err, approval.ErrExpired):
			answer(ipc.ApprovalResponse{ApprovalID: id, Resolution: string(domain.ResolutionRejected), TimedOut: true})
		case errors.Is(err, approval.ErrCancelled):
			answer(ipc.ApprovalResponse{ApprovalID: id, Error: "approval cancelled"})
		case t.approvalCtx.Err() != nil:
			// Worker is gone.
		default:
			logger.Error("wait for approval", "error", err)
			answer(ipc.ApprovalResponse{ApprovalID: id, Error: err.Error()})
		}
	}()
}
