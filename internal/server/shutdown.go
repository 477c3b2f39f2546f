// Package server coordinates process shutdown: it stops intake, drains
// in-flight requests and closes resources in reverse registration order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Config tunes a ShutdownManager.
type Config struct {
	// Timeout bounds the whole shutdown. Default: 30 seconds
	Timeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests. Default: half
	// of Timeout
	DrainTimeout time.Duration
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownManager tracks in-flight work and the resources to release on
// shutdown.
type ShutdownManager struct {
	timeout      time.Duration
	drainTimeout time.Duration
	logger       logrus.FieldLogger

	closing  chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	stopping atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg Config, logger logrus.FieldLogger) *ShutdownManager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 || cfg.DrainTimeout > cfg.Timeout {
		cfg.DrainTimeout = cfg.Timeout / 2
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ShutdownManager{
		timeout:      cfg.Timeout,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger,
		closing:      make(chan struct{}),
	}
}

// Register adds a resource to close on shutdown. Resources close in
// reverse registration order.
func (m *ShutdownManager) Register(name string, c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, closer: c})
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, ctx is done or
// shutdown starts elsewhere, and returns a description of the cause.
func (m *ShutdownManager) WaitForSignal(ctx context.Context) string {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return fmt.Sprintf("received signal: %v", sig)
	case <-ctx.Done():
		return "context cancelled"
	case <-m.closing:
		return "shutdown requested"
	}
}

// Shutdown stops intake, waits for in-flight requests and closes every
// registered resource. Only the first call does any work.
func (m *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error

	m.once.Do(func() {
		m.stopping.Store(true)
		close(m.closing)
		m.logger.WithField("action", "shutdown").WithField("reason", reason).Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		if err := m.drain(shutdownCtx); err != nil {
			errs = append(errs, err)
		}

		m.mu.Lock()
		closers := m.closers
		m.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				m.logger.WithField("action", "shutdown").WithField("resource", c.name).WithError(err).Warn("close failed")
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
	})

	return errors.Join(errs...)
}

func (m *ShutdownManager) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for m.inFlight.Load() > 0 {
		select {
		case <-drainCtx.Done():
			if n := m.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", n)
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Track counts a request as in flight. It returns false once shutdown has
// started, in which case the request must be rejected.
func (m *ShutdownManager) Track() bool {
	if m.stopping.Load() {
		return false
	}
	m.inFlight.Add(1)
	return true
}

// Untrack ends a request counted by Track.
func (m *ShutdownManager) Untrack() {
	m.inFlight.Add(-1)
}

// InFlight returns the number of tracked requests.
func (m *ShutdownManager) InFlight() int64 {
	return m.inFlight.Load()
}

// Closing is closed when shutdown starts.
func (m *ShutdownManager) Closing() <-chan struct{} {
	return m.closing
}

// Middleware rejects requests with 503 once shutdown has started and
// tracks the rest.
func (m *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Track() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"shutting down"}`)) // nolint: errcheck
			return
		}
		defer m.Untrack()
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}

// HTTPServerCloser shuts srv down gracefully within timeout.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// GRPCServerCloser stops gs gracefully, forcing a stop after timeout.
func GRPCServerCloser(gs *grpc.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			gs.Stop()
		}
		return nil
	})
}
