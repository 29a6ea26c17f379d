package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/taskhub/internal/connection"
	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/engine"
	"github.com/ashureev/taskhub/internal/identity"
	"github.com/ashureev/taskhub/internal/run"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type call struct {
	op     string
	taskID string
	arg    string
}

type fakeRunner struct {
	reg *connection.Registry

	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeRunner) record(op, taskID, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, taskID, arg})
	return f.err
}

func (f *fakeRunner) ops() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeRunner) Submit(ctx context.Context, taskID string, req run.SubmitRequest) (*run.Submission, error) {
	if err := f.record("submit", taskID, req.Description+"|"+req.Owner); err != nil {
		return nil, err
	}
	if req.Description == "" {
		return nil, fmt.Errorf("%w: task_description is required", run.ErrInvalidRequest)
	}
	f.reg.Bind(ctx, taskID, "sess-1")
	f.reg.Send(ctx, taskID, run.EventStatus, run.StatusPayload{State: run.StateRunning, SessionID: "sess-1"}, true)
	return &run.Submission{TaskID: taskID, SessionID: "sess-1", Mode: req.Mode}, nil
}

func (f *fakeRunner) Cancel(_ context.Context, taskID, sessionID string) error {
	return f.record("cancel", taskID, sessionID)
}

func (f *fakeRunner) Pause(_ context.Context, taskID string) error {
	if err := f.record("pause", taskID, ""); err != nil {
		return err
	}
	return run.ErrNotRunning
}

func (f *fakeRunner) Resume(_ context.Context, taskID, sessionID string) (*run.Submission, error) {
	if err := f.record("resume", taskID, sessionID); err != nil {
		return nil, err
	}
	return &run.Submission{TaskID: taskID, SessionID: sessionID, Resumed: true}, nil
}

func (f *fakeRunner) ResolveApproval(_ context.Context, id string, res domain.Resolution, _ string, _ json.RawMessage) (bool, error) {
	if err := f.record("resolve", id, string(res)); err != nil {
		return false, err
	}
	return res == domain.ResolutionApproved, nil
}

type harness struct {
	reg    *connection.Registry
	repo   *store.SQLiteStore
	runner *fakeRunner
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	reg := connection.NewRegistry(repo, connection.Options{InstanceID: "test"})
	runner := &fakeRunner{reg: reg}
	h := NewHandler(runner, reg, Options{IsDev: true, KeepaliveInterval: 50 * time.Millisecond})

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		reg.CloseAll(context.Background(), connection.ReasonShutdown)
		srv.Close()
	})
	return &harness{reg: reg, repo: repo, runner: runner, srv: srv}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) dial(t *testing.T, taskID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/tasks/" + taskID
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.OwnerHeaderName: []string{"alice"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	waitFor(t, "connection registered", func() bool { return h.reg.Connected(taskID) })
	return c
}

func readUntil(t *testing.T, c *websocket.Conn, eventType string) connection.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env connection.Envelope
		if err := wsjson.Read(ctx, c, &env); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if env.EventType == eventType {
			return env
		}
	}
}

func decodeAck(t *testing.T, env connection.Envelope) Ack {
	t.Helper()
	var ack Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack %s: %v", env.Payload, err)
	}
	return ack
}

func TestWebSocket_SubmitStreamsEventsAndAcks(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "task-1")
	ctx := context.Background()

	msg := Message{Type: MsgSubmitTask, TaskDescription: "say hi", Mode: "echo"}
	if err := wsjson.Write(ctx, c, msg); err != nil {
		t.Fatal(err)
	}

	status := readUntil(t, c, run.EventStatus)
	if status.RunID != "sess-1" {
		t.Errorf("status envelope run id = %q", status.RunID)
	}
	ack := decodeAck(t, readUntil(t, c, EventAck))
	if !ack.OK || ack.Request != MsgSubmitTask {
		t.Fatalf("ack = %+v", ack)
	}

	calls := h.runner.ops()
	if len(calls) != 1 || calls[0].arg != "say hi|alice" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestWebSocket_RejectionsAreAcked(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "task-2")
	ctx := context.Background()

	tests := []struct {
		name   string
		raw    string
		status int
	}{
		{"malformed", `{"type":`, http.StatusBadRequest},
		{"unknown type", `{"type":"explode"}`, http.StatusBadRequest},
		{"missing description", `{"type":"submit_task","mode":"echo"}`, http.StatusBadRequest},
		{"missing approval id", `{"type":"resolve_approval","resolution":"approved"}`, http.StatusBadRequest},
		{"pause without run", `{"type":"pause"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Write(ctx, websocket.MessageText, []byte(tt.raw)); err != nil {
				t.Fatal(err)
			}
			ack := decodeAck(t, readUntil(t, c, EventAck))
			if ack.OK || ack.Status != tt.status || ack.Error == "" {
				t.Errorf("ack = %+v, want status %d", ack, tt.status)
			}
		})
	}
}

func TestWebSocket_PingHeartbeats(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, "task-3")
	ctx := context.Background()

	before, err := h.repo.GetConnection(ctx, "task-3")
	if err != nil || before == nil {
		t.Fatalf("connection row: %v %v", before, err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := wsjson.Write(ctx, c, Message{Type: MsgPing}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, c, EventPong)

	after, _ := h.repo.GetConnection(ctx, "task-3")
	if after == nil || !after.LastHeartbeat.After(before.LastHeartbeat) {
		t.Errorf("heartbeat not recorded: before %v after %+v", before.LastHeartbeat, after)
	}
}

func TestWebSocket_ReconnectSupersedes(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "task-4")
	second := h.dial(t, "task-4")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := first.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("first connection should be closed normally, got %v", err)
	}

	h.reg.Send(context.Background(), "task-4", "output", map[string]string{"text": "x"}, false)
	if env := readUntil(t, second, "output"); env.EventType != "output" {
		t.Errorf("unexpected envelope %+v", env)
	}
	if n, _ := h.repo.CountConnections(context.Background()); n != 1 {
		t.Errorf("expected one connection row, got %d", n)
	}
}

func TestWebSocket_InvalidTaskID(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/ws/tasks/" + strings.Repeat("x", 200))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSSE_StreamsBufferedAndLiveEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.reg.Bind(ctx, "task-5", "sess-5")
	h.reg.Send(ctx, "task-5", "output", map[string]string{"text": "early"}, true)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, h.srv.URL+"/api/tasks/task-5/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func(prefix string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	if got := next("data: "); !strings.Contains(got, "early") || !strings.Contains(got, `"run_id":"sess-5"`) {
		t.Errorf("buffered event = %q", got)
	}
	waitFor(t, "sse registered", func() bool { return h.reg.Connected("task-5") })
	h.reg.Send(ctx, "task-5", "complete", map[string]string{"status": "completed"}, true)
	if got := next("event: "); got != "event: complete" {
		t.Errorf("live event line = %q", got)
	}
	next(": keepalive")

	cancel()
	waitFor(t, "sse unregistered", func() bool { return !h.reg.Connected("task-5") })
}

func TestPostMessage(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		body string
		code int
		op   string
	}{
		{"submit", `{"type":"submit_task","task_description":"go","mode":"echo"}`, http.StatusAccepted, "submit"},
		{"resolve", `{"type":"resolve_approval","approval_id":"ap-1","resolution":"approved"}`, http.StatusAccepted, "resolve"},
		{"resume", `{"type":"resume","session_id":"sess-9"}`, http.StatusAccepted, "resume"},
		{"cancel", `{"type":"cancel"}`, http.StatusAccepted, "cancel"},
		{"pause without run", `{"type":"pause"}`, http.StatusConflict, "pause"},
		{"ping", `{"type":"ping"}`, http.StatusOK, ""},
		{"unknown", `{"type":"nope"}`, http.StatusBadRequest, ""},
		{"bad json", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.runner.ops())
			resp, err := http.Post(h.srv.URL+"/api/tasks/task-6/messages", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			calls := h.runner.ops()
			if tt.op == "" {
				if len(calls) != before {
					t.Errorf("unexpected runner call %+v", calls[before:])
				}
				return
			}
			if len(calls) != before+1 || calls[before].op != tt.op {
				t.Errorf("calls = %+v, want %s", calls[before:], tt.op)
			}
		})
	}
}

func TestPostMessage_ResolveReportsNoop(t *testing.T) {
	h := newHarness(t)
	body := `{"type":"resolve_approval","approval_id":"ap-2","resolution":"rejected"}`
	resp, err := http.Post(h.srv.URL+"/api/tasks/task-7/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var ack struct {
		OK   bool       `json:"ok"`
		Data resolveAck `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK || ack.Data.ApprovalID != "ap-2" || ack.Data.Resolved {
		t.Errorf("ack = %+v", ack)
	}
}

func TestPostMessage_SubmitAtWorkerLimit(t *testing.T) {
	h := newHarness(t)
	h.runner.mu.Lock()
	h.runner.err = fmt.Errorf("%w: 8 of 8 workers busy", engine.ErrResourceExhausted)
	h.runner.mu.Unlock()

	body := `{"type":"submit_task","task_description":"go","mode":"echo"}`
	resp, err := http.Post(h.srv.URL+"/api/tasks/task-8/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.OK || ack.Status != http.StatusTooManyRequests || ack.Request != MsgSubmitTask {
		t.Errorf("ack = %+v", ack)
	}
}
