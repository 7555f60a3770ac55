// Package server coordinates process lifecycle: signal handling, request
// draining and ordered release of resources.
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
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout bounds the wait for in-flight requests.
	DrainTimeout time.Duration
	// PollInterval is how often the in-flight count is checked while draining.
	PollInterval time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout: 15 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// ShutdownManager tracks in-flight requests and the resources to release when
// the process stops. Closers run in reverse registration order, so a resource
// registered first (the log, the store) outlives the servers that use it.
type ShutdownManager struct {
	cfg    ShutdownConfig
	logger logrus.FieldLogger

	inFlight     int64
	shuttingDown int32
	once         sync.Once
	done         chan struct{}
	err          error

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger logrus.FieldLogger) *ShutdownManager {
	def := DefaultShutdownConfig()
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &ShutdownManager{
		cfg:    cfg,
		logger: logger.WithField("component", "shutdown"),
		done:   make(chan struct{}),
	}
}

// RegisterCloser adds a named resource to release on shutdown.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, Closer: c})
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives, ctx is cancelled or
// Shutdown is called elsewhere, then shuts down.
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return sm.err
	}
}

// Shutdown stops accepting tracked requests, waits for the in-flight ones and
// closes every registered resource. Later calls return the first result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.once.Do(func() {
		sm.logger.WithField("reason", reason).Info("shutting down")
		atomic.StoreInt32(&sm.shuttingDown, 1)

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.Close(); err != nil {
				sm.logger.WithError(err).WithField("resource", c.name).Error("close failed")
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}

		sm.err = errors.Join(errs...)
		close(sm.done)
		sm.logger.Info("shutdown complete")
	})
	<-sm.done
	return sm.err
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(sm.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&sm.inFlight) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if n := atomic.LoadInt64(&sm.inFlight); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest counts a request as in flight. It returns false once shutdown
// has begun; the caller must then reject the request.
func (sm *ShutdownManager) TrackRequest() bool {
	if atomic.LoadInt32(&sm.shuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&sm.inFlight, 1)
	return true
}

// UntrackRequest marks a tracked request finished.
func (sm *ShutdownManager) UntrackRequest() {
	atomic.AddInt64(&sm.inFlight, -1)
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.shuttingDown) == 1
}

func (sm *ShutdownManager) InFlightCount() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// Done is closed when shutdown has finished.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Middleware tracks requests and answers 503 with the standard error body
// once shutdown has begun.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sm.TrackRequest() {
			w.Header().Set("Connection", "close")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"Service is shutting down"}`))
			return
		}
		defer sm.UntrackRequest()
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

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
