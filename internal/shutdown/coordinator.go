// Package shutdown runs registered teardown handlers in a fixed phase order
// under one overall deadline, so the process never hangs on exit because a
// single tool server refuses to die.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// Phase orders teardown: outward-facing surfaces first, persistence last.
type Phase int

const (
	// PhaseListeners stops accepting HTTP requests
	PhaseListeners Phase = iota
	// PhaseStreams disconnects event-stream clients
	PhaseStreams
	// PhaseServers stops managed tool servers
	PhaseServers
	// PhaseMonitors stops health loops and bus subscribers
	PhaseMonitors
	// PhaseStorage flushes and closes persistence
	PhaseStorage
	// PhaseCleanup is the final catch-all
	PhaseCleanup
)

func (p Phase) String() string {
	switch p {
	case PhaseListeners:
		return "listeners"
	case PhaseStreams:
		return "streams"
	case PhaseServers:
		return "servers"
	case PhaseMonitors:
		return "monitors"
	case PhaseStorage:
		return "storage"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

var phases = []Phase{
	PhaseListeners, PhaseStreams, PhaseServers,
	PhaseMonitors, PhaseStorage, PhaseCleanup,
}

// Func performs one component's teardown under the given deadline.
type Func func(ctx context.Context) error

type handler struct {
	name    string
	fn      Func
	timeout time.Duration
}

// Coordinator collects handlers and runs them phase by phase.
type Coordinator struct {
	mu       sync.Mutex
	handlers map[Phase][]*handler
	logger   *zap.Logger

	once         sync.Once
	done         chan struct{}
	err          error
	shuttingDown atomic.Bool

	handlerTimeout time.Duration
	totalTimeout   time.Duration
}

// NewCoordinator builds an empty coordinator with the default deadlines.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		handlers:       make(map[Phase][]*handler),
		logger:         logger.Named("shutdown"),
		done:           make(chan struct{}),
		handlerTimeout: config.ServerStopTimeout,
		totalTimeout:   config.TotalShutdownTimeout,
	}
}

// Register adds a named handler to a phase. Handlers within a phase run in
// registration order.
func (c *Coordinator) Register(name string, phase Phase, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[phase] = append(c.handlers[phase], &handler{
		name:    name,
		fn:      fn,
		timeout: c.handlerTimeout,
	})
}

// IsShuttingDown reports whether Shutdown has begun.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// SetTotalTimeout overrides the deadline for the whole sequence.
func (c *Coordinator) SetTotalTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTimeout = d
}

// Shutdown runs every phase in order. Safe to call more than once; only the
// first call executes, later calls return the same result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.shuttingDown.Store(true)
		c.err = c.execute(ctx)
		close(c.done)
	})
	return c.err
}

func (c *Coordinator) execute(ctx context.Context) error {
	started := time.Now()
	c.logger.Info("shutdown starting")

	ctx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	var all []error
	for _, phase := range phases {
		if err := c.runPhase(ctx, phase); err != nil {
			all = append(all, fmt.Errorf("phase %s: %w", phase, err))
		}
		if ctx.Err() != nil {
			c.logger.Warn("shutdown deadline reached, skipping remaining phases",
				zap.Duration("elapsed", time.Since(started)))
			all = append(all, ctx.Err())
			break
		}
	}

	if len(all) > 0 {
		c.logger.Warn("shutdown finished with errors",
			zap.Duration("duration", time.Since(started)),
			zap.Int("errors", len(all)))
		return errors.Join(all...)
	}
	c.logger.Info("shutdown finished", zap.Duration("duration", time.Since(started)))
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	c.mu.Lock()
	handlers := append([]*handler(nil), c.handlers[phase]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		return nil
	}
	c.logger.Debug("running shutdown phase",
		zap.Stringer("phase", phase), zap.Int("handlers", len(handlers)))

	var errs []error
	for _, h := range handlers {
		if err := c.runHandler(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// runHandler gives one handler its own deadline; a stuck handler is
// abandoned, not waited for.
func (c *Coordinator) runHandler(ctx context.Context, h *handler) error {
	hctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.fn(hctx) }()

	started := time.Now()
	var err error
	select {
	case err = <-errCh:
	case <-hctx.Done():
		err = fmt.Errorf("handler timed out after %v", h.timeout)
	}

	if err != nil {
		c.logger.Warn("shutdown handler failed",
			zap.String("handler", h.name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("shutdown handler finished",
		zap.String("handler", h.name),
		zap.Duration("duration", time.Since(started)))
	return nil
}
