package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
	"github.com/ashureev/taskhub/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets another instance read approvals while this one writes.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers inside this process; busy_timeout
	// and RetryOnConflict cover other processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_mode_status ON sessions(mode, status);

	CREATE TABLE IF NOT EXISTS session_states (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		workflow_mode TEXT NOT NULL,
		history_json TEXT NOT NULL DEFAULT '[]',
		context_json TEXT NOT NULL DEFAULT '{}',
		current_phase TEXT NOT NULL,
		current_step INTEGER,
		plan_json TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_states_idle ON session_states(status, updated_at);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		context_json TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		resolution TEXT,
		result_json TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approval_requests(run_id, status);
	CREATE INDEX IF NOT EXISTS idx_approvals_expiry ON approval_requests(status, expires_at);

	CREATE TABLE IF NOT EXISTS active_connections (
		task_id TEXT PRIMARY KEY,
		session_id TEXT,
		instance_id TEXT NOT NULL,
		connected_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connections_heartbeat ON active_connections(last_heartbeat);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, op, s.retry, fn)
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.write(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

func rawOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

// CreateSession inserts a session and its initial state atomically.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session, state *domain.SessionState) error {
	stateRow, err := encodeState(state)
	if err != nil {
		return err
	}

	return s.inTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, owner, name, mode, status, config_json, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Owner, sess.Name, sess.Mode, string(sess.Status),
			rawOrDefault(sess.Config, "{}"), ms(sess.CreatedAt), ms(sess.LastActivityAt),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_states (
				session_id, workflow_mode, history_json, context_json, current_phase,
				current_step, plan_json, status, version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			state.SessionID, state.WorkflowMode, stateRow.history, stateRow.context,
			state.CurrentPhase, stateRow.step, stateRow.plan, string(state.Status),
			state.Version, ms(state.CreatedAt), ms(state.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session state: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, mode, status, config_json, created_at, last_activity_at
		FROM sessions WHERE id = ?`, id)

	var sess domain.Session
	var status, config string
	var createdAt, lastActivity int64
	err := row.Scan(&sess.ID, &sess.Owner, &sess.Name, &sess.Mode, &status, &config, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Status = domain.SessionStatus(status)
	sess.Config = json.RawMessage(config)
	sess.CreatedAt = fromMS(createdAt)
	sess.LastActivityAt = fromMS(lastActivity)
	return &sess, nil
}

// ListSessions returns summaries ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]domain.SessionSummary, error) {
	query := `
		SELECT s.id, s.name, s.mode, s.status, COALESCE(st.current_phase, ''),
		       COALESCE(st.version, 0), s.created_at, s.last_activity_at
		FROM sessions s LEFT JOIN session_states st ON st.session_id = s.id
		WHERE 1 = 1`
	var args []any
	if f.Mode != "" {
		query += ` AND s.mode = ?`
		args = append(args, f.Mode)
	}
	if f.Status != "" {
		query += ` AND s.status = ?`
		args = append(args, string(f.Status))
	}
	if f.Owner != "" {
		query += ` AND s.owner = ?`
		args = append(args, f.Owner)
	}
	query += ` ORDER BY s.last_activity_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "list sessions")

	var out []domain.SessionSummary
	for rows.Next() {
		var sum domain.SessionSummary
		var status string
		var createdAt, lastActivity int64
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Mode, &status, &sum.Phase, &sum.Version, &createdAt, &lastActivity); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.Status = domain.SessionStatus(status)
		sum.CreatedAt = fromMS(createdAt)
		sum.LastActivityAt = fromMS(lastActivity)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session, its state and its approvals.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, "delete session", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM approval_requests WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("delete approvals: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_states WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session state: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// TouchSession bumps last_activity_at.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, "touch session", func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ?`, ms(at), id)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
}

// TransitionSession applies t only if the session status is in t.From.
func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, t Transition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition to %s: no source statuses", t.To)
	}

	var applied bool
	err := s.inTx(ctx, "transition session", func(tx *sql.Tx) error {
		applied = false
		now := ms(time.Now())

		args := []any{string(t.To), now, id}
		for _, from := range t.From {
			args = append(args, string(from))
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ? AND status IN (`+placeholders(len(t.From))+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE session_states SET status = ?, version = version + 1, updated_at = ?
			WHERE session_id = ?`, string(t.StateTo), now, id); err != nil {
			return fmt.Errorf("update session state status: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// GetSessionState retrieves the current state snapshot of a session.
func (s *SQLiteStore) GetSessionState(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, workflow_mode, history_json, context_json, current_phase,
		       current_step, plan_json, status, version, created_at, updated_at
		FROM session_states WHERE session_id = ?`, sessionID)

	var st domain.SessionState
	var historyJSON, contextJSON, status string
	var step sql.NullInt64
	var plan sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&st.SessionID, &st.WorkflowMode, &historyJSON, &contextJSON, &st.CurrentPhase,
		&step, &plan, &status, &st.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session state: %w", err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &st.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &st.ContextVars); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if step.Valid {
		v := int(step.Int64)
		st.CurrentStep = &v
	}
	if plan.Valid {
		st.PlanData = json.RawMessage(plan.String)
	}
	st.Status = domain.StateStatus(status)
	st.CreatedAt = fromMS(createdAt)
	st.UpdatedAt = fromMS(updatedAt)
	return &st, nil
}

// UpdateSessionState writes st if the stored row is active and still at expectedVersion.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, st *domain.SessionState, expectedVersion int64) (bool, error) {
	row, err := encodeState(st)
	if err != nil {
		return false, err
	}

	var updated bool
	err = s.write(ctx, "update session state", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE session_states SET
				history_json = ?, context_json = ?, current_phase = ?, current_step = ?,
				plan_json = ?, version = version + 1, updated_at = ?
			WHERE session_id = ? AND version = ? AND status = ?`,
			row.history, row.context, st.CurrentPhase, row.step, row.plan, ms(st.UpdatedAt),
			st.SessionID, expectedVersion, string(domain.StateActive),
		)
		if err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		updated = n == 1
		return nil
	})
	return updated, err
}

// ExpireIdleSessions marks active states untouched since before as expired.
func (s *SQLiteStore) ExpireIdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, "expire idle sessions", func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT session_id FROM session_states WHERE status = ? AND updated_at < ?`,
			string(domain.StateActive), ms(before))
		if err != nil {
			return fmt.Errorf("query idle states: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				closeRows(rows, "idle states")
				return fmt.Errorf("scan idle state: %w", err)
			}
			ids = append(ids, id)
		}
		closeRows(rows, "idle states")
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate idle states: %w", err)
		}

		now := ms(time.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE session_states SET status = ?, version = version + 1, updated_at = ?
				WHERE session_id = ? AND status = ?`,
				string(domain.StateExpired), now, id, string(domain.StateActive)); err != nil {
				return fmt.Errorf("expire state %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET status = ? WHERE id = ? AND status IN (?, ?)`,
				string(domain.SessionExpired), id,
				string(domain.SessionActive), string(domain.SessionSuspended)); err != nil {
				return fmt.Errorf("expire session %s: %w", id, err)
			}
		}
		return nil
	})
	return ids, err
}

type stateRow struct {
	history string
	context string
	step    any
	plan    any
}

func encodeState(st *domain.SessionState) (stateRow, error) {
	history := st.History
	if history == nil {
		history = []domain.HistoryEntry{}
	}
	h, err := json.Marshal(history)
	if err != nil {
		return stateRow{}, fmt.Errorf("encode history: %w", err)
	}

	vars := st.ContextVars
	if vars == nil {
		vars = map[string]any{}
	}
	c, err := json.Marshal(vars)
	if err != nil {
		return stateRow{}, fmt.Errorf("encode context: %w", err)
	}

	row := stateRow{history: string(h), context: string(c)}
	if st.CurrentStep != nil {
		row.step = *st.CurrentStep
	}
	if len(st.PlanData) > 0 {
		row.plan = string(st.PlanData)
	}
	return row, nil
}
