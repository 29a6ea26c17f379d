// Package health exposes the standard gRPC health service for the
// coordinator, driven by periodic store checks.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported for the coordinator itself. The empty name
// tracks overall server health.
const Service = "taskhub.Coordinator"

// Pinger is anything whose reachability decides serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Server serves grpc.health.v1 and keeps its status in line with the store.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	serving  bool
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a health server. It reports NOT_SERVING until the first check.
func New(pinger Pinger, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		pinger:   pinger,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		stopped:  make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(false)
	return s
}

// Check pings the store once and updates the reported status.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.pinger.Ping(ctx)
	if err != nil {
		s.logger.Warn("Health check failed", "error", err)
	}
	s.setStatus(err == nil)
	return err == nil
}

func (s *Server) setStatus(ok bool) {
	s.mu.Lock()
	changed := s.serving != ok
	s.serving = ok
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
	if changed {
		s.logger.Info("Health status changed", "status", status.String())
	}
}

// Serve checks the store, then serves on lis until Stop. Checks repeat every
// interval while ctx is live.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Check(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server. Health watchers
// see the final status before their streams end.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopped) })
	s.wg.Wait()
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC health server graceful stop timed out, forcing")
		s.grpc.Stop()
		<-done
	}
}
