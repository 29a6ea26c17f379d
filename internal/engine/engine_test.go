package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/tasks"
	"github.com/ashureev/taskhub/internal/worker"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const workerEnv = "TASKHUB_ENGINE_TEST_WORKER"

// TestMain doubles as the worker entry point: the engine re-executes the
// test binary with workerEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		code := worker.Main(ctx, testCatalog())
		stop()
		os.Exit(code)
	}
	os.Exit(m.Run())
}

func testCatalog() *tasks.Catalog {
	c := tasks.Builtin()
	c.Register("sleepy", func(ctx context.Context, _ tasks.Runtime, _ string, _ map[string]any) (any, error) {
		fmt.Println("started")
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c.Register("stubborn", func(context.Context, tasks.Runtime, string, map[string]any) (any, error) {
		fmt.Println("started")
		time.Sleep(time.Minute)
		return nil, nil
	})
	return c
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	opts.Path = os.Args[0]
	opts.Args = []string{}
	opts.Env = []string{workerEnv + "=1"}
	if opts.KillGrace == 0 {
		opts.KillGrace = time.Second
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

type recorder struct {
	mu     sync.Mutex
	events []ipc.Frame
	seen   chan string
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan string, 256)}
}

func (r *recorder) sink(eventType string, payload json.RawMessage) {
	r.mu.Lock()
	r.events = append(r.events, ipc.Frame{Type: eventType, Payload: payload})
	r.mu.Unlock()
	select {
	case r.seen <- eventType:
	default:
	}
}

func (r *recorder) outputs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []string
	for _, f := range r.events {
		if f.Type == ipc.EventOutput {
			var p ipc.OutputPayload
			_ = json.Unmarshal(f.Payload, &p)
			lines = append(lines, p.Text)
		}
	}
	return lines
}

func (r *recorder) waitFor(t *testing.T, eventType string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case got := <-r.seen:
			if got == eventType {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func spec(taskID, task, desc, cfg string) ipc.TaskSpec {
	s := ipc.TaskSpec{TaskID: taskID, RunID: "run-" + taskID, Mode: task, Task: task, Description: desc}
	if cfg != "" {
		s.Config = json.RawMessage(cfg)
	}
	return s
}

// Two tasks that write the same process-global variable concurrently each
// observe only their own value.
func TestExecute_IsolatesConcurrentTasks(t *testing.T) {
	e := newTestEngine(t, Options{})

	type outcome struct {
		res *Result
		err error
		rec *recorder
	}
	run := func(id, marker string, out chan<- outcome) {
		rec := newRecorder()
		cfg := fmt.Sprintf(`{"marker":%q,"lines":3,"delay_ms":40}`, marker)
		res, err := e.Execute(context.Background(), spec(id, "echo", "task-"+marker, cfg), rec.sink)
		out <- outcome{res, err, rec}
	}

	a, b := make(chan outcome, 1), make(chan outcome, 1)
	go run("iso-a", "A", a)
	go run("iso-b", "B", b)

	for _, tc := range []struct {
		ch     chan outcome
		marker string
		other  string
	}{{a, "A", "B"}, {b, "B", "A"}} {
		got := <-tc.ch
		if got.err != nil {
			t.Fatalf("task %s: %v", tc.marker, got.err)
		}
		if got.res.Outcome != OutcomeCompleted {
			t.Fatalf("task %s outcome %s", tc.marker, got.res.Outcome)
		}
		var v map[string]any
		_ = json.Unmarshal(got.res.Value, &v)
		if v["marker"] != tc.marker {
			t.Errorf("task %s read back marker %v", tc.marker, v["marker"])
		}
		lines := got.rec.outputs()
		if len(lines) != 4 {
			t.Errorf("task %s: expected 4 output lines, got %q", tc.marker, lines)
		}
		for _, l := range lines {
			if strings.Contains(l, "task-"+tc.other) || strings.Contains(l, "marker="+tc.other) {
				t.Errorf("task %s received output of task %s: %q", tc.marker, tc.other, l)
			}
		}
	}
}

func TestExecute_AdmissionControl(t *testing.T) {
	e := newTestEngine(t, Options{MaxWorkers: 1})
	rec := newRecorder()
	done := make(chan *Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), spec("busy", "sleepy", "", ""), rec.sink)
		done <- res
	}()
	rec.waitFor(t, ipc.EventOutput)

	if _, err := e.Execute(context.Background(), spec("busy", "echo", "x", ""), nil); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("expected ErrTaskRunning, got %v", err)
	}
	if _, err := e.Execute(context.Background(), spec("other", "echo", "x", ""), nil); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
	if active := e.Active(); len(active) != 1 || active[0].TaskID != "busy" || active[0].PID == 0 {
		t.Errorf("unexpected active set %+v", active)
	}

	if err := e.Cancel("busy"); err != nil {
		t.Fatal(err)
	}
	if res := <-done; res == nil || res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if e.Running("busy") {
		t.Error("slot should be released")
	}
	if err := e.Cancel("busy"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestReserve(t *testing.T) {
	e := newTestEngine(t, Options{MaxWorkers: 1})

	if err := e.Reserve("a"); err != nil {
		t.Fatal(err)
	}
	if err := e.Reserve("b"); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("expected ErrResourceExhausted, got %v", err)
	}
	if err := e.Reserve("a"); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("expected ErrTaskRunning, got %v", err)
	}
	e.Release("a")
	if e.Running("a") {
		t.Fatal("released reservation still holds its slot")
	}

	// A cancel that lands before the worker starts ends the task without spawning.
	if err := e.Reserve("b"); err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel("b"); err != nil {
		t.Fatalf("cancel of a reserved task: %v", err)
	}
	rec := newRecorder()
	res, err := e.Execute(context.Background(), spec("b", "echo", "never", ""), rec.sink)
	if err != nil || res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled result, got %+v, %v", res, err)
	}
	if out := rec.outputs(); len(out) != 0 {
		t.Errorf("cancelled reservation produced output %v", out)
	}

	// Execute claims the reservation instead of counting a second slot.
	if err := e.Reserve("c"); err != nil {
		t.Fatal(err)
	}
	res, err = e.Execute(context.Background(), spec("c", "echo", "hi", ""), nil)
	if err != nil || res.Outcome != OutcomeCompleted {
		t.Fatalf("claimed reservation: %+v, %v", res, err)
	}
	if len(e.Active()) != 0 {
		t.Errorf("slots left after run: %+v", e.Active())
	}
	e.Release("c")
}

func TestExecute_IsTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	e := newTestEngine(t, Options{Tracer: tracer})

	if _, err := e.Execute(context.Background(), spec("traced", "echo", "hi", ""), nil); err != nil {
		t.Fatal(err)
	}
	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "engine.execute" {
		t.Fatalf("expected one engine.execute span, got %d", len(ended))
	}
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["taskhub.task.id"] != "traced" || attrs["taskhub.outcome"] != string(OutcomeCompleted) || attrs["taskhub.worker.pid"] == "" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
}

func TestExecute_CrashWithoutResult(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.Execute(context.Background(), spec("crash", "echo", "bye", `{"exit_code":3}`), nil)

	if !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("expected ErrWorkerCrashed, got %v", err)
	}
	var ce *CrashError
	if !errors.As(err, &ce) || ce.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %+v", ce)
	}
	if e.Running("crash") {
		t.Error("crashed worker should be released")
	}
}

func TestExecute_FailureAndPanic(t *testing.T) {
	e := newTestEngine(t, Options{})
	tests := []struct {
		name, cfg, kind, msg string
	}{
		{"error", `{"fail":"bad input"}`, ipc.FailureTask, "bad input"},
		{"panic", `{"panic":true}`, ipc.FailurePanic, "echo: panic requested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), spec("fail-"+tt.name, "echo", "x", tt.cfg), nil)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != OutcomeFailed || res.Failure == nil {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.Failure.Kind != tt.kind || res.Failure.Message != tt.msg {
				t.Errorf("failure = %+v", res.Failure)
			}
		})
	}
}

func TestExecute_ContextCancelKillsStubbornWorker(t *testing.T) {
	e := newTestEngine(t, Options{KillGrace: 200 * time.Millisecond})
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		res, _ := e.Execute(ctx, spec("stubborn", "stubborn", "", ""), rec.sink)
		done <- res
	}()
	rec.waitFor(t, ipc.EventOutput)
	start := time.Now()
	cancel()

	select {
	case res := <-done:
		if res == nil || res.Outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled result, got %+v", res)
		}
		if time.Since(start) > 5*time.Second {
			t.Errorf("kill took %v", time.Since(start))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stubborn worker was not killed")
	}
	if got := rec.outputs(); len(got) != 1 || got[0] != "started" {
		t.Errorf("output before cancel must still be delivered, got %q", got)
	}
}

type fakeApprover struct {
	mu       sync.Mutex
	requests []domain.ApprovalKind
	decision *approval.Decision
	waitErr  error
}

func (f *fakeApprover) Request(_ context.Context, _ string, kind domain.ApprovalKind, _ json.RawMessage, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, kind)
	return fmt.Sprintf("appr-%d", len(f.requests)), nil
}

func (f *fakeApprover) Wait(context.Context, string, time.Duration) (*approval.Decision, error) {
	return f.decision, f.waitErr
}

func TestExecute_ApprovalBridge(t *testing.T) {
	tests := []struct {
		name        string
		approver    *fakeApprover
		wantOutcome Outcome
		wantMsg     string
	}{
		{
			name:        "approved",
			approver:    &fakeApprover{decision: &approval.Decision{ApprovalID: "appr-1", Resolution: domain.ResolutionApproved}},
			wantOutcome: OutcomeCompleted,
		},
		{
			name:        "timed out",
			approver:    &fakeApprover{waitErr: approval.ErrTimeout},
			wantOutcome: OutcomeFailed,
			wantMsg:     "plan approval timed out",
		},
		{
			name:        "cancelled",
			approver:    &fakeApprover{waitErr: approval.ErrCancelled},
			wantOutcome: OutcomeFailed,
			wantMsg:     "plan approval: approval cancelled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Options{Approvals: tt.approver})
			rec := newRecorder()
			res, err := e.Execute(context.Background(), spec("plan-"+strings.ReplaceAll(tt.name, " ", "-"), "plan", "goal", `{"steps":["one"]}`), rec.sink)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s (%+v)", res.Outcome, res.Failure)
			}
			if tt.wantMsg != "" && (res.Failure == nil || res.Failure.Message != tt.wantMsg) {
				t.Errorf("failure = %+v, want %q", res.Failure, tt.wantMsg)
			}

			rec.mu.Lock()
			defer rec.mu.Unlock()
			var ev *ApprovalEvent
			for _, f := range rec.events {
				if f.Type == ipc.EventApprovalRequired {
					ev = &ApprovalEvent{}
					_ = json.Unmarshal(f.Payload, ev)
				}
			}
			if ev == nil || ev.ApprovalID != "appr-1" || ev.Kind != string(domain.ApprovalPlan) {
				t.Errorf("sink did not receive the persisted approval request: %+v", ev)
			}
		})
	}
}

func TestExecute_NoApproverAnswersWithError(t *testing.T) {
	e := newTestEngine(t, Options{})
	res, err := e.Execute(context.Background(), spec("plan-noappr", "plan", "goal", ""), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || !strings.Contains(res.Failure.Message, "not available") {
		t.Errorf("expected failed task, got %+v %+v", res, res.Failure)
	}
}
