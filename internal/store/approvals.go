package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
)

const approvalColumns = `id, run_id, kind, context_json, status, resolution, result_json, created_at, expires_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(sc rowScanner) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var kind, contextJSON, status string
	var resolution, resultJSON sql.NullString
	var createdAt, expiresAt int64
	var resolvedAt sql.NullInt64

	if err := sc.Scan(&req.ID, &req.RunID, &kind, &contextJSON, &status, &resolution,
		&resultJSON, &createdAt, &expiresAt, &resolvedAt); err != nil {
		return nil, err
	}

	req.Kind = domain.ApprovalKind(kind)
	req.Context = json.RawMessage(contextJSON)
	req.Status = domain.ApprovalStatus(status)
	req.Resolution = domain.Resolution(resolution.String)
	if resultJSON.Valid {
		var result domain.ApprovalResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("decode approval result: %w", err)
		}
		req.Result = &result
	}
	req.CreatedAt = fromMS(createdAt)
	req.ExpiresAt = fromMS(expiresAt)
	if resolvedAt.Valid {
		t := fromMS(resolvedAt.Int64)
		req.ResolvedAt = &t
	}
	return &req, nil
}

// CreateApproval persists a new approval request.
func (s *SQLiteStore) CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	return s.write(ctx, "create approval", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approval_requests (id, run_id, kind, context_json, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.RunID, string(req.Kind), rawOrDefault(req.Context, "{}"),
			string(req.Status), ms(req.CreatedAt), ms(req.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
}

// GetApproval retrieves an approval request by id.
func (s *SQLiteStore) GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return req, nil
}

// ResolveApproval settles a pending approval.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, id string, res domain.Resolution, result *domain.ApprovalResult, at time.Time) (bool, error) {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("encode approval result: %w", err)
		}
		resultJSON = string(b)
	}

	var resolved bool
	err := s.write(ctx, "resolve approval", func() error {
		r, err := s.db.ExecContext(ctx, `
			UPDATE approval_requests SET status = ?, resolution = ?, result_json = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.ApprovalResolved), string(res), resultJSON, ms(at),
			id, string(domain.ApprovalPending),
		)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		resolved = n == 1
		return nil
	})
	return resolved, err
}

// SetApprovalStatus moves a pending approval to status.
func (s *SQLiteStore) SetApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, at time.Time) (bool, error) {
	var changed bool
	err := s.write(ctx, "set approval status", func() error {
		r, err := s.db.ExecContext(ctx, `
			UPDATE approval_requests SET status = ?, resolved_at = ?
			WHERE id = ? AND status = ?`,
			string(status), ms(at), id, string(domain.ApprovalPending),
		)
		if err != nil {
			return fmt.Errorf("update approval status: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		changed = n == 1
		return nil
	})
	return changed, err
}

// ListPendingApprovals returns pending approvals, for one run when runID is set.
func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, runID string) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE status = ?`
	args := []any{string(domain.ApprovalPending)}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer closeRows(rows, "pending approvals")

	var out []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return out, nil
}

// ExpireOverdueApprovals marks pending approvals past their deadline expired.
func (s *SQLiteStore) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, "expire approvals", func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM approval_requests WHERE status = ? AND expires_at <= ?`,
			string(domain.ApprovalPending), ms(now))
		if err != nil {
			return fmt.Errorf("query overdue approvals: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				closeRows(rows, "overdue approvals")
				return fmt.Errorf("scan overdue approval: %w", err)
			}
			ids = append(ids, id)
		}
		closeRows(rows, "overdue approvals")
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate overdue approvals: %w", err)
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE approval_requests SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
				string(domain.ApprovalExpired), ms(now), id, string(domain.ApprovalPending)); err != nil {
				return fmt.Errorf("expire approval %s: %w", id, err)
			}
		}
		return nil
	})
	return ids, err
}
