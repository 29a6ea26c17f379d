// Package sweeper runs the periodic housekeeping pass: idle session expiry,
// overdue approvals and stale client connections.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/connection"
	"github.com/ashureev/taskhub/internal/session"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/robfig/cron/v3"
)

// Refresher snapshots live runs so they do not look idle.
type Refresher interface {
	Refresh(ctx context.Context) int
}

// Connections is the part of the connection registry the sweeper prunes.
type Connections interface {
	Drop(ctx context.Context, taskID, reason string) bool
	PruneBuffers(before time.Time) int
}

// Config holds the dependencies of a Sweeper.
type Config struct {
	Repo        store.Repository
	Sessions    *session.Coordinator
	Approvals   *approval.Coordinator
	Runs        Refresher
	Connections Connections

	Schedule   string        // cron spec; defaults to "@every 1m"
	SessionTTL time.Duration // idle time before an active session expires
	StaleAfter time.Duration // heartbeat age before a connection is dropped
	Logger     *slog.Logger
}

// Report summarizes one pass.
type Report struct {
	Refreshed          int
	SessionsExpired    int
	ApprovalsExpired   int
	ConnectionsDropped int
	BuffersPruned      int
}

// Sweeper runs RunOnce on a cron schedule.
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Sweeper.
func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Sweeper{cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// Start schedules the pass. Overlapping passes are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("Sweeper started", "schedule", s.cfg.Schedule, "session_ttl", s.cfg.SessionTTL, "stale_after", s.cfg.StaleAfter)
	return nil
}

// Stop unschedules the pass and waits for a running one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Sweeper stopped")
}

// RunOnce performs one housekeeping pass. Each step is independent; a
// failing step is logged and the rest still run.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var rep Report
	now := s.now()

	// Live runs first, so a long quiet task is not mistaken for an idle session.
	if s.cfg.Runs != nil {
		rep.Refreshed = s.cfg.Runs.Refresh(ctx)
	}

	if ids, err := s.cfg.Sessions.ExpireIdle(ctx, s.cfg.SessionTTL); err != nil {
		s.logger.Error("Sweeper failed to expire idle sessions", "error", err)
	} else {
		rep.SessionsExpired = len(ids)
	}

	if n, err := s.cfg.Approvals.ExpireOverdue(ctx); err != nil {
		s.logger.Error("Sweeper failed to expire approvals", "error", err)
	} else {
		rep.ApprovalsExpired = n
	}

	stale, err := s.cfg.Repo.DeleteStaleConnections(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		s.logger.Error("Sweeper failed to delete stale connections", "error", err)
	}
	for _, taskID := range stale {
		if s.cfg.Connections.Drop(ctx, taskID, connection.ReasonStale) {
			rep.ConnectionsDropped++
		}
	}

	rep.BuffersPruned = s.cfg.Connections.PruneBuffers(now.Add(-s.cfg.SessionTTL))

	if rep.SessionsExpired+rep.ApprovalsExpired+rep.ConnectionsDropped+rep.BuffersPruned > 0 {
		s.logger.Info("Sweep completed",
			"sessions_expired", rep.SessionsExpired,
			"approvals_expired", rep.ApprovalsExpired,
			"connections_dropped", rep.ConnectionsDropped,
			"buffers_pruned", rep.BuffersPruned,
		)
	}
	return rep
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
