package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
)

// UpsertConnection records the live channel for a task id. A reconnect
// replaces the previous row so there is exactly one row per task id.
func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *domain.ActiveConnection) error {
	var sessionID any
	if c.SessionID != "" {
		sessionID = c.SessionID
	}

	return s.write(ctx, "upsert connection", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO active_connections (task_id, session_id, instance_id, connected_at, last_heartbeat)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				session_id = COALESCE(excluded.session_id, active_connections.session_id),
				instance_id = excluded.instance_id,
				connected_at = excluded.connected_at,
				last_heartbeat = excluded.last_heartbeat`,
			c.TaskID, sessionID, c.InstanceID, ms(c.ConnectedAt), ms(c.LastHeartbeat),
		)
		if err != nil {
			return fmt.Errorf("upsert connection: %w", err)
		}
		return nil
	})
}

// GetConnection retrieves the connection row for a task id.
func (s *SQLiteStore) GetConnection(ctx context.Context, taskID string) (*domain.ActiveConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, instance_id, connected_at, last_heartbeat
		FROM active_connections WHERE task_id = ?`, taskID)

	var c domain.ActiveConnection
	var sessionID sql.NullString
	var connectedAt, heartbeat int64
	err := row.Scan(&c.TaskID, &sessionID, &c.InstanceID, &connectedAt, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.SessionID = sessionID.String
	c.ConnectedAt = fromMS(connectedAt)
	c.LastHeartbeat = fromMS(heartbeat)
	return &c, nil
}

// TouchConnection updates last_heartbeat.
func (s *SQLiteStore) TouchConnection(ctx context.Context, taskID string, at time.Time) (bool, error) {
	var touched bool
	err := s.write(ctx, "touch connection", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE active_connections SET last_heartbeat = ? WHERE task_id = ?`, ms(at), taskID)
		if err != nil {
			return fmt.Errorf("touch connection: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		touched = n == 1
		return nil
	})
	return touched, err
}

// DeleteConnection removes the connection row for a task id.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, taskID string) error {
	return s.write(ctx, "delete connection", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM active_connections WHERE task_id = ?`, taskID); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		return nil
	})
}

// CountConnections returns the number of connection rows.
func (s *SQLiteStore) CountConnections(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM active_connections`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return n, nil
}

// DeleteStaleConnections removes rows whose heartbeat is older than before.
func (s *SQLiteStore) DeleteStaleConnections(ctx context.Context, before time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, "delete stale connections", func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT task_id FROM active_connections WHERE last_heartbeat < ?`, ms(before))
		if err != nil {
			return fmt.Errorf("query stale connections: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				closeRows(rows, "stale connections")
				return fmt.Errorf("scan stale connection: %w", err)
			}
			ids = append(ids, id)
		}
		closeRows(rows, "stale connections")
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale connections: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM active_connections WHERE last_heartbeat < ?`, ms(before)); err != nil {
			return fmt.Errorf("delete stale connections: %w", err)
		}
		return nil
	})
	return ids, err
}

// DeleteConnectionsByInstance removes every row owned by instanceID. A
// restarted instance holds no channels, so its old rows are all dead.
func (s *SQLiteStore) DeleteConnectionsByInstance(ctx context.Context, instanceID string) (int, error) {
	var n int64
	err := s.write(ctx, "delete instance connections", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM active_connections WHERE instance_id = ?`, instanceID)
		if err != nil {
			return fmt.Errorf("delete instance connections: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return int(n), err
}
