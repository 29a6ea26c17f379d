package run

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/ipc"
	"github.com/ashureev/taskhub/internal/session"
)

// Context variable keys the service maintains.
const (
	varDescription = "description"
	varTaskID      = "task_id"
	varCost        = "cost"
)

// runState is the live view of one run. It is the handle attached to the
// session coordinator while the worker runs.
type runState struct {
	taskID    string
	sessionID string
	mode      string
	done      chan struct{}

	mu        sync.Mutex
	events    int
	history   []domain.HistoryEntry
	vars      map[string]any
	phase     string
	step      *int
	plan      json.RawMessage
	cancelled bool
	closing   bool
}

func newRunState(taskID, sessionID, mode string) *runState {
	return &runState{
		taskID:    taskID,
		sessionID: sessionID,
		mode:      mode,
		done:      make(chan struct{}),
		vars:      make(map[string]any),
	}
}

// seed copies a durable snapshot into the live view.
func (rs *runState) seed(st *domain.SessionState) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.history = append([]domain.HistoryEntry(nil), st.History...)
	for k, v := range st.ContextVars {
		rs.vars[k] = v
	}
	rs.phase = st.CurrentPhase
	rs.step = st.CurrentStep
	rs.plan = st.PlanData
}

func (rs *runState) resumeState() *ipc.ResumeState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return &ipc.ResumeState{
		Phase:       rs.phase,
		Step:        rs.step,
		History:     append([]domain.HistoryEntry(nil), rs.history...),
		ContextVars: copyVars(rs.vars),
		PlanData:    rs.plan,
	}
}

func (rs *runState) addHistory(role, content string, limit int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.appendLocked(role, content, limit)
}

func (rs *runState) appendLocked(role, content string, limit int) {
	rs.history = append(rs.history, domain.HistoryEntry{Role: role, Content: content, Timestamp: time.Now().UTC()})
	if limit > 0 && len(rs.history) > limit {
		rs.history = append([]domain.HistoryEntry(nil), rs.history[len(rs.history)-limit:]...)
	}
}

// observe folds one worker event into the live view and reports whether a
// snapshot is due.
func (rs *runState) observe(eventType string, payload json.RawMessage, every, historyLimit int) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.events++
	due := every > 0 && rs.events%every == 0

	switch eventType {
	case ipc.EventOutput:
		var p ipc.OutputPayload
		if json.Unmarshal(payload, &p) == nil {
			rs.appendLocked("task", p.Text, historyLimit)
		}
	case ipc.EventPhaseChange:
		var p ipc.PhasePayload
		if json.Unmarshal(payload, &p) == nil {
			rs.phase = p.Phase
			rs.step = p.Step
			if len(p.PlanData) > 0 {
				rs.plan = p.PlanData
			}
			due = true
		}
	case ipc.EventCostUpdate:
		var cost map[string]any
		if json.Unmarshal(payload, &cost) == nil {
			rs.vars[varCost] = cost
		}
	}
	return due
}

func (rs *runState) update() session.StateUpdate {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return session.StateUpdate{
		History:     append([]domain.HistoryEntry(nil), rs.history...),
		ContextVars: copyVars(rs.vars),
		Phase:       rs.phase,
		Step:        rs.step,
		PlanData:    rs.plan,
	}
}

func (rs *runState) markCancelled() {
	rs.mu.Lock()
	rs.cancelled = true
	rs.mu.Unlock()
}

func (rs *runState) markClosing() {
	rs.mu.Lock()
	rs.closing = true
	rs.mu.Unlock()
}

func (rs *runState) flags() (cancelled, closing bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled, rs.closing
}

func copyVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
