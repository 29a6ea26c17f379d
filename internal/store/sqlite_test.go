package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "taskhub.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLiteStore, id, mode string, at time.Time) {
	t.Helper()
	sess := &domain.Session{
		ID: id, Owner: "owner-1", Name: "name-" + id, Mode: mode,
		Status: domain.SessionActive, CreatedAt: at, LastActivityAt: at,
	}
	state := &domain.SessionState{
		SessionID: id, WorkflowMode: mode, CurrentPhase: domain.PhaseInit,
		Status: domain.StateActive, Version: 1, CreatedAt: at, UpdatedAt: at,
	}
	if err := s.CreateSession(context.Background(), sess, state); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seedSession(t, s, "s1", "plan", now)

	sess, err := s.GetSession(ctx, "s1")
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v, %v", sess, err)
	}
	if sess.Mode != "plan" || sess.Status != domain.SessionActive {
		t.Errorf("unexpected session: %+v", sess)
	}
	if string(sess.Config) != "{}" {
		t.Errorf("expected default config {}, got %s", sess.Config)
	}

	st, err := s.GetSessionState(ctx, "s1")
	if err != nil || st == nil {
		t.Fatalf("GetSessionState: %v, %v", st, err)
	}
	if st.CurrentPhase != domain.PhaseInit || st.Version != 1 || st.Status != domain.StateActive {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.CurrentStep != nil {
		t.Errorf("expected nil step, got %v", *st.CurrentStep)
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing session, got %v, %v", missing, err)
	}
}

func TestSQLiteStore_CreateSessionIsAtomic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seedSession(t, s, "dup", "plan", now)

	// Second insert with the same id fails on the sessions row; nothing else changes.
	err := s.CreateSession(ctx,
		&domain.Session{ID: "dup", Mode: "other", Status: domain.SessionActive, CreatedAt: now, LastActivityAt: now},
		&domain.SessionState{SessionID: "dup", WorkflowMode: "other", CurrentPhase: "x", Status: domain.StateActive, Version: 1, CreatedAt: now, UpdatedAt: now},
	)
	if err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	st, _ := s.GetSessionState(ctx, "dup")
	if st.WorkflowMode != "plan" || st.CurrentPhase != domain.PhaseInit {
		t.Errorf("state was modified by failed create: %+v", st)
	}
}

func TestSQLiteStore_UpdateSessionStateVersioned(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "plan", time.Now())

	step := 2
	st := &domain.SessionState{
		SessionID:    "s1",
		History:      []domain.HistoryEntry{{Role: "assistant", Content: "hi"}},
		ContextVars:  map[string]any{"cost": 1.5},
		CurrentPhase: "executing",
		CurrentStep:  &step,
		PlanData:     json.RawMessage(`{"steps":3}`),
		UpdatedAt:    time.Now(),
	}

	ok, err := s.UpdateSessionState(ctx, st, 1)
	if err != nil || !ok {
		t.Fatalf("UpdateSessionState v1: %v, %v", ok, err)
	}

	// Stale version is rejected.
	ok, err = s.UpdateSessionState(ctx, st, 1)
	if err != nil || ok {
		t.Fatalf("expected stale write to be rejected, got %v, %v", ok, err)
	}

	got, err := s.GetSessionState(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if got.CurrentPhase != "executing" || got.CurrentStep == nil || *got.CurrentStep != 2 {
		t.Errorf("unexpected state: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Content != "hi" {
		t.Errorf("unexpected history: %+v", got.History)
	}
	if got.ContextVars["cost"] != 1.5 {
		t.Errorf("unexpected context vars: %+v", got.ContextVars)
	}
}

func TestSQLiteStore_TransitionSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "plan", time.Now())

	suspend := Transition{From: []domain.SessionStatus{domain.SessionActive}, To: domain.SessionSuspended, StateTo: domain.StateSuspended}

	ok, err := s.TransitionSession(ctx, "s1", suspend)
	if err != nil || !ok {
		t.Fatalf("first suspend: %v, %v", ok, err)
	}
	ok, err = s.TransitionSession(ctx, "s1", suspend)
	if err != nil || ok {
		t.Fatalf("second suspend should be a no-op: %v, %v", ok, err)
	}

	st, _ := s.GetSessionState(ctx, "s1")
	if st.Status != domain.StateSuspended || st.Version != 2 {
		t.Errorf("unexpected state after suspend: %+v", st)
	}

	// Writes against a suspended state are rejected.
	ok, err = s.UpdateSessionState(ctx, &domain.SessionState{SessionID: "s1", CurrentPhase: "x", UpdatedAt: time.Now()}, 2)
	if err != nil || ok {
		t.Errorf("expected write to suspended state to be rejected: %v, %v", ok, err)
	}
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	seedSession(t, s, "a", "plan", base.Add(-2*time.Minute))
	seedSession(t, s, "b", "chat", base.Add(-time.Minute))
	seedSession(t, s, "c", "plan", base)

	all, err := s.ListSessions(ctx, SessionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("unexpected listing: %+v", all)
	}

	plans, err := s.ListSessions(ctx, SessionFilter{Mode: "plan", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 || plans[0].ID != "c" {
		t.Errorf("unexpected filtered listing: %+v", plans)
	}
}

func TestSQLiteStore_ExpireIdleSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	seedSession(t, s, "old", "plan", now.Add(-2*time.Hour))
	seedSession(t, s, "fresh", "plan", now)

	ids, err := s.ExpireIdleSessions(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected [old], got %v", ids)
	}

	sess, _ := s.GetSession(ctx, "old")
	if sess.Status != domain.SessionExpired {
		t.Errorf("expected expired session, got %s", sess.Status)
	}
	fresh, _ := s.GetSessionState(ctx, "fresh")
	if fresh.Status != domain.StateActive {
		t.Errorf("fresh session should stay active, got %s", fresh.Status)
	}
}

func TestSQLiteStore_ApprovalLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	req := &domain.ApprovalRequest{
		ID: "ap1", RunID: "run1", Kind: domain.ApprovalPlan, Context: json.RawMessage(`{"plan":"x"}`),
		Status: domain.ApprovalPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	if err := s.CreateApproval(ctx, req); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListPendingApprovals(ctx, "run1")
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingApprovals: %v, %v", pending, err)
	}

	result := &domain.ApprovalResult{Feedback: "ship it"}
	ok, err := s.ResolveApproval(ctx, "ap1", domain.ResolutionApproved, result, now)
	if err != nil || !ok {
		t.Fatalf("first resolve: %v, %v", ok, err)
	}
	ok, err = s.ResolveApproval(ctx, "ap1", domain.ResolutionRejected, nil, now)
	if err != nil || ok {
		t.Fatalf("second resolve should return false: %v, %v", ok, err)
	}

	got, err := s.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ApprovalResolved || got.Resolution != domain.ResolutionApproved {
		t.Errorf("unexpected approval: %+v", got)
	}
	if got.Result == nil || got.Result.Feedback != "ship it" || got.ResolvedAt == nil {
		t.Errorf("unexpected result: %+v", got.Result)
	}
}

func TestSQLiteStore_ExpireOverdueApprovals(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, tc := range []struct {
		id      string
		expires time.Time
	}{
		{"late", now.Add(-time.Second)},
		{"ok", now.Add(time.Hour)},
	} {
		if err := s.CreateApproval(ctx, &domain.ApprovalRequest{
			ID: tc.id, RunID: "r", Kind: domain.ApprovalCustom, Status: domain.ApprovalPending,
			CreatedAt: now, ExpiresAt: tc.expires,
		}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.ExpireOverdueApprovals(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "late" {
		t.Fatalf("expected [late], got %v", ids)
	}
	late, _ := s.GetApproval(ctx, "late")
	if late.Status != domain.ApprovalExpired {
		t.Errorf("expected expired, got %s", late.Status)
	}
	ok, _ := s.ResolveApproval(ctx, "late", domain.ResolutionApproved, nil, now)
	if ok {
		t.Error("expired approval must not be resolvable")
	}
}

func TestSQLiteStore_Connections(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	conn := &domain.ActiveConnection{TaskID: "t1", SessionID: "s1", InstanceID: "i1", ConnectedAt: now, LastHeartbeat: now.Add(-time.Hour)}
	if err := s.UpsertConnection(ctx, conn); err != nil {
		t.Fatal(err)
	}
	// Reconnect keeps a single row.
	conn2 := &domain.ActiveConnection{TaskID: "t1", InstanceID: "i1", ConnectedAt: now, LastHeartbeat: now.Add(-time.Hour)}
	if err := s.UpsertConnection(ctx, conn2); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountConnections(ctx); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
	got, _ := s.GetConnection(ctx, "t1")
	if got.SessionID != "s1" {
		t.Errorf("session id should survive reconnect without one, got %q", got.SessionID)
	}

	fresh := &domain.ActiveConnection{TaskID: "t2", InstanceID: "i1", ConnectedAt: now, LastHeartbeat: now}
	if err := s.UpsertConnection(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	stale, err := s.DeleteStaleConnections(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0] != "t1" {
		t.Fatalf("expected [t1], got %v", stale)
	}
	if ok, _ := s.TouchConnection(ctx, "t2", now); !ok {
		t.Error("expected heartbeat on t2 to succeed")
	}
	if n, _ := s.CountConnections(ctx); n != 1 {
		t.Errorf("expected 1 row after sweep, got %d", n)
	}

	other := &domain.ActiveConnection{TaskID: "t3", InstanceID: "i2", ConnectedAt: now, LastHeartbeat: now}
	if err := s.UpsertConnection(ctx, other); err != nil {
		t.Fatal(err)
	}
	if n, err := s.DeleteConnectionsByInstance(ctx, "i1"); err != nil || n != 1 {
		t.Fatalf("DeleteConnectionsByInstance = %d, %v", n, err)
	}
	if got, _ := s.GetConnection(ctx, "t3"); got == nil {
		t.Error("another instance's row should survive")
	}
}
