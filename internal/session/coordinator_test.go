package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/store"
)

func openStore(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.SQLiteStore) {
	t.Helper()
	s := openStore(t, filepath.Join(t.TempDir(), "sessions.db"))
	return NewCoordinator(s, Options{HistoryLimit: 5}), s
}

func TestCoordinator_CreateStartsInInit(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	id, err := c.Create(ctx, CreateParams{Mode: "plan", Name: "demo"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := c.LoadState(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentPhase != domain.PhaseInit || st.Status != domain.StateActive || st.Version != 1 {
		t.Errorf("unexpected initial state: %+v", st)
	}

	if _, err := c.Create(ctx, CreateParams{}); err == nil {
		t.Error("expected error when mode is empty")
	}
}

func TestCoordinator_SaveStateIncrementsVersion(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id, _ := c.Create(ctx, CreateParams{Mode: "plan"})

	for i := 0; i < 3; i++ {
		ok, err := c.SaveState(ctx, id, StateUpdate{Phase: "executing"})
		if err != nil || !ok {
			t.Fatalf("SaveState #%d: %v, %v", i, ok, err)
		}
	}
	st, _ := c.LoadState(ctx, id)
	if st.Version != 4 {
		t.Errorf("expected version 4 after three saves, got %d", st.Version)
	}
}

func TestCoordinator_SaveStateBoundsHistory(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id, _ := c.Create(ctx, CreateParams{Mode: "plan"})

	var history []domain.HistoryEntry
	for i := 0; i < 8; i++ {
		history = append(history, domain.HistoryEntry{Role: "assistant", Content: string(rune('a' + i))})
	}
	if _, err := c.SaveState(ctx, id, StateUpdate{History: history}); err != nil {
		t.Fatal(err)
	}
	got, _ := c.History(ctx, id)
	if len(got) != 5 || got[0].Content != "d" || got[4].Content != "h" {
		t.Errorf("expected last 5 entries, got %+v", got)
	}
}

func TestCoordinator_Lifecycle(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	id, _ := c.Create(ctx, CreateParams{Mode: "plan"})

	if ok, _ := c.Resume(ctx, id); ok {
		t.Error("resume of an active session must be a no-op")
	}
	if ok, _ := c.Suspend(ctx, id); !ok {
		t.Fatal("suspend of an active session must succeed")
	}
	if ok, _ := c.Suspend(ctx, id); ok {
		t.Error("second suspend must be a no-op")
	}
	if ok, _ := c.SaveState(ctx, id, StateUpdate{Phase: "x"}); ok {
		t.Error("save against a suspended session must return false")
	}
	if ok, _ := c.Complete(ctx, id); !ok {
		t.Fatal("complete from suspended must succeed")
	}
	if ok, _ := c.Resume(ctx, id); ok {
		t.Error("resume of a completed session must be a no-op")
	}
	if ok, _ := c.Fail(ctx, id); ok {
		t.Error("fail of a completed session must be a no-op")
	}

	sess, err := c.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Errorf("expected completed, got %s", sess.Status)
	}
}

func TestCoordinator_NotFound(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.LoadState(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if ok, err := c.SaveState(ctx, "missing", StateUpdate{}); ok || err != nil {
		t.Errorf("expected false, nil for missing session, got %v, %v", ok, err)
	}
}

// Scenario: a session survives a process restart with its phase, history
// and version intact and can be resumed.
func TestCoordinator_ResumeAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")

	s1 := openStore(t, path)
	c1 := NewCoordinator(s1, Options{})
	id, err := c1.Create(ctx, CreateParams{Mode: "plan"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := c1.SaveState(ctx, id, StateUpdate{
		History: []domain.HistoryEntry{{Role: "user", Content: "build it"}},
		Phase:   "planning",
	}); !ok {
		t.Fatal("first save failed")
	}
	step := 1
	if ok, _ := c1.SaveState(ctx, id, StateUpdate{
		History: []domain.HistoryEntry{{Role: "user", Content: "build it"}, {Role: "assistant", Content: "plan ready"}},
		Phase:   "executing",
		Step:    &step,
	}); !ok {
		t.Fatal("second save failed")
	}
	if ok, _ := c1.Suspend(ctx, id); !ok {
		t.Fatal("suspend failed")
	}
	c1.Attach(id, "worker-handle")
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, path)
	c2 := NewCoordinator(s2, Options{})

	restored, err := c2.Restore(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Live {
		t.Error("a fresh process must not report a live handle")
	}
	st := restored.State
	if st.CurrentPhase != "executing" || len(st.History) != 2 || st.Version != 4 {
		t.Errorf("unexpected restored state: phase=%s history=%d version=%d", st.CurrentPhase, len(st.History), st.Version)
	}
	if st.Status != domain.StateSuspended {
		t.Errorf("expected suspended state, got %s", st.Status)
	}
	if ok, _ := c2.Resume(ctx, id); !ok {
		t.Error("resume after restart must succeed")
	}
}

// conflictingRepo bumps the stored version behind the caller's back on the
// first write so SaveState must retry.
type conflictingRepo struct {
	store.Repository
	once sync.Once
}

func (r *conflictingRepo) UpdateSessionState(ctx context.Context, st *domain.SessionState, expected int64) (bool, error) {
	r.once.Do(func() {
		cp := *st
		cp.CurrentPhase = "concurrent"
		_, _ = r.Repository.UpdateSessionState(ctx, &cp, expected)
	})
	return r.Repository.UpdateSessionState(ctx, st, expected)
}

func TestCoordinator_SaveStateRetriesOnVersionConflict(t *testing.T) {
	t.Parallel()
	s := openStore(t, filepath.Join(t.TempDir(), "conflict.db"))
	c := NewCoordinator(&conflictingRepo{Repository: s}, Options{})
	ctx := context.Background()
	id, _ := c.Create(ctx, CreateParams{Mode: "plan"})

	ok, err := c.SaveState(ctx, id, StateUpdate{Phase: "mine"})
	if err != nil || !ok {
		t.Fatalf("SaveState: %v, %v", ok, err)
	}
	st, _ := c.LoadState(ctx, id)
	if st.CurrentPhase != "mine" || st.Version != 3 {
		t.Errorf("expected retried write on top of concurrent one, got phase=%s version=%d", st.CurrentPhase, st.Version)
	}
}

func TestCoordinator_ListAndDelete(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	a, _ := c.Create(ctx, CreateParams{Mode: "plan", Owner: "u1"})
	_, _ = c.Create(ctx, CreateParams{Mode: "chat", Owner: "u2"})

	list, err := c.List(ctx, store.SessionFilter{Owner: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != a {
		t.Fatalf("unexpected list: %+v", list)
	}

	if ok, err := c.Delete(ctx, a); err != nil || !ok {
		t.Fatalf("Delete: %v, %v", ok, err)
	}
	if _, err := c.Get(ctx, a); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCoordinator_ExpireIdle(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	stale, _ := c.Create(ctx, CreateParams{Mode: "plan"})
	suspended, _ := c.Create(ctx, CreateParams{Mode: "plan"})
	if _, err := c.Suspend(ctx, suspended); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ids, err := c.ExpireIdle(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != stale {
		t.Fatalf("expired %v, want only %s", ids, stale)
	}

	sess, _ := c.Get(ctx, stale)
	if sess.Status != domain.SessionExpired {
		t.Errorf("session status = %s", sess.Status)
	}
	if ok, _ := c.Resume(ctx, stale); ok {
		t.Error("expired session must not resume")
	}
	if sess, _ := c.Get(ctx, suspended); sess.Status != domain.SessionSuspended {
		t.Errorf("suspended session changed to %s", sess.Status)
	}
}
