// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/taskhub/internal/domain"
)

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Mode   string
	Status domain.SessionStatus
	Owner  string
	Limit  int
}

// Transition describes a guarded status change applied to a session and its
// current state row in one transaction.
type Transition struct {
	From    []domain.SessionStatus
	To      domain.SessionStatus
	StateTo domain.StateStatus
}

// Repository defines the durable state shared by coordinators.
// Get* methods return (nil, nil) when the row does not exist.
type Repository interface {
	// CreateSession inserts a session and its initial state atomically.
	CreateSession(ctx context.Context, sess *domain.Session, state *domain.SessionState) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns summaries ordered by most recent activity.
	ListSessions(ctx context.Context, f SessionFilter) ([]domain.SessionSummary, error)

	// DeleteSession removes a session, its state and its approvals.
	DeleteSession(ctx context.Context, id string) (bool, error)

	// TouchSession bumps last_activity_at.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// TransitionSession applies t only if the session status is in t.From.
	TransitionSession(ctx context.Context, id string, t Transition) (bool, error)

	// GetSessionState retrieves the current state snapshot of a session.
	GetSessionState(ctx context.Context, sessionID string) (*domain.SessionState, error)

	// UpdateSessionState writes st if the stored row is active and still at
	// expectedVersion. The stored version becomes expectedVersion+1.
	UpdateSessionState(ctx context.Context, st *domain.SessionState, expectedVersion int64) (bool, error)

	// ExpireIdleSessions marks active states untouched since before as expired
	// and returns the affected session ids.
	ExpireIdleSessions(ctx context.Context, before time.Time) ([]string, error)

	// CreateApproval persists a new approval request.
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error

	// GetApproval retrieves an approval request by id.
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)

	// ResolveApproval settles a pending approval. Returns false when the row is
	// missing or no longer pending.
	ResolveApproval(ctx context.Context, id string, res domain.Resolution, result *domain.ApprovalResult, at time.Time) (bool, error)

	// SetApprovalStatus moves a pending approval to status (expired or cancelled).
	SetApprovalStatus(ctx context.Context, id string, status domain.ApprovalStatus, at time.Time) (bool, error)

	// ListPendingApprovals returns pending approvals, for one run when runID is set.
	ListPendingApprovals(ctx context.Context, runID string) ([]*domain.ApprovalRequest, error)

	// ExpireOverdueApprovals marks pending approvals past their deadline expired
	// and returns their ids.
	ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]string, error)

	// UpsertConnection records the live channel for a task id.
	UpsertConnection(ctx context.Context, c *domain.ActiveConnection) error

	// GetConnection retrieves the connection row for a task id.
	GetConnection(ctx context.Context, taskID string) (*domain.ActiveConnection, error)

	// TouchConnection updates last_heartbeat.
	TouchConnection(ctx context.Context, taskID string, at time.Time) (bool, error)

	// DeleteConnection removes the connection row for a task id.
	DeleteConnection(ctx context.Context, taskID string) error

	// CountConnections returns the number of connection rows.
	CountConnections(ctx context.Context) (int, error)

	// DeleteStaleConnections removes rows whose heartbeat is older than before
	// and returns their task ids.
	DeleteStaleConnections(ctx context.Context, before time.Time) ([]string, error)

	// DeleteConnectionsByInstance removes every row owned by an instance.
	DeleteConnectionsByInstance(ctx context.Context, instanceID string) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
