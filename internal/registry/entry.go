package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mcphub-go/internal/config"
	"mcphub-go/internal/state"
	"mcphub-go/internal/transport"
)

// Entry is one registered server: descriptor, transport and state machine,
// plus the bookkeeping the command executor and router need. The command
// slot (a one-deep semaphore) serializes lifecycle commands per server.
type Entry struct {
	mu        sync.RWMutex
	cfg       *config.ServerConfig
	transport transport.Transport
	machine   *state.Machine

	cmdSem   chan struct{}
	lastUsed atomic.Int64
	inflight atomic.Int64
}

// Name returns the immutable server name.
func (e *Entry) Name() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Name
}

// Config returns a copy of the current descriptor.
func (e *Entry) Config() *config.ServerConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

func (e *Entry) setConfig(cfg *config.ServerConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Entry) setEnabled(enabled bool) {
	e.mu.Lock()
	e.cfg.Enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether the server may be routed to.
func (e *Entry) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Enabled
}

// Transport returns the entry's transport.
func (e *Entry) Transport() transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transport
}

// Machine returns the entry's state machine.
func (e *Entry) Machine() *state.Machine {
	return e.machine
}

// Runtime returns a snapshot of the server's runtime state.
func (e *Entry) Runtime() state.Runtime {
	return e.machine.Snapshot()
}

// Acquire takes the command slot, waiting until it is free or ctx ends.
func (e *Entry) Acquire(ctx context.Context) error {
	select {
	case e.cmdSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the command slot without blocking.
func (e *Entry) TryAcquire() bool {
	select {
	case e.cmdSem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the command slot.
func (e *Entry) Release() {
	select {
	case <-e.cmdSem:
	default:
	}
}

// MarkUsed stamps the entry for least-recently-used selection.
func (e *Entry) MarkUsed() {
	e.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the time of the last routed request, zero if never used.
func (e *Entry) LastUsed() time.Time {
	ns := e.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// BeginRequest increments the in-flight counter for load-aware selection.
func (e *Entry) BeginRequest() {
	e.inflight.Add(1)
}

// EndRequest decrements the in-flight counter and records the outcome.
func (e *Entry) EndRequest(success bool) {
	e.inflight.Add(-1)
	e.machine.RecordRequest(success)
}

// Inflight returns the number of requests currently routed to this server.
func (e *Entry) Inflight() int64 {
	return e.inflight.Load()
}
