package state

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/events"
)

// Machine guards all mutation of one server's runtime state. It holds no
// transport logic: a transition is a pure guarded swap plus one event
// publication, performed before the triggering command returns.
type Machine struct {
	mu         sync.Mutex
	serverName string
	bus        *events.Bus
	logger     *zap.Logger

	state          Lifecycle
	transitionedAt time.Time
	lastReason     string

	healthy             bool
	lastCheck           time.Time
	consecutiveFailures int
	lastLatency         time.Duration

	requestCount uint64
	errorCount   uint64
	runningSince time.Time
}

// NewMachine creates a state machine in the initial stopped state.
func NewMachine(serverName string, bus *events.Bus, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		serverName:     serverName,
		bus:            bus,
		logger:         logger,
		state:          StateStopped,
		transitionedAt: time.Now(),
	}
}

// Current returns the current lifecycle state.
func (m *Machine) Current() Lifecycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition attempts to move to a new state, failing with
// ErrIllegalTransition if the target is not in the allowed set. On success
// the state is swapped atomically, the transition timestamp is stamped, and
// exactly one state_change event is published before returning.
func (m *Machine) Transition(to Lifecycle, reason, correlationID string) error {
	m.mu.Lock()

	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return transitionError(from, to)
	}

	m.state = to
	m.transitionedAt = time.Now()
	m.lastReason = reason

	if to == StateRunning {
		m.runningSince = m.transitionedAt
		m.consecutiveFailures = 0
		m.healthy = true
	}
	m.mu.Unlock()

	m.logger.Debug("Lifecycle transition",
		zap.String("server", m.serverName),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	if m.bus != nil {
		severity := events.SeverityInfo
		if to == StateError {
			severity = events.SeverityError
		}
		m.bus.Publish(events.Event{
			Type:       events.TypeStateChange,
			ServerName: m.serverName,
			Severity:   severity,
			Data: map[string]any{
				"old_state": string(from),
				"new_state": string(to),
				"reason":    reason,
			},
			CorrelationID: correlationID,
		})
	}
	return nil
}

// RecordHealthCheck stores the outcome of one health probe and returns the
// consecutive failure count. It never changes the lifecycle state; the
// health monitor decides whether the threshold warrants a transition.
func (m *Machine) RecordHealthCheck(healthy bool, latency time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthy = healthy
	m.lastCheck = time.Now()
	m.lastLatency = latency
	if healthy {
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
	}
	return m.consecutiveFailures
}

// RecordRequest updates the request counters for one routed request.
func (m *Machine) RecordRequest(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCount++
	if !success {
		m.errorCount++
	}
}

// IsHealthy reports whether the server is running and its last probe passed.
// A server with no probes yet counts as healthy while running.
func (m *Machine) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning && (m.healthy || m.lastCheck.IsZero())
}

// Snapshot returns a copy of the runtime state.
func (m *Machine) Snapshot() Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rate float64
	if m.requestCount > 0 {
		rate = float64(m.requestCount-m.errorCount) / float64(m.requestCount)
	}
	var uptime time.Duration
	if m.state == StateRunning && !m.runningSince.IsZero() {
		uptime = time.Since(m.runningSince)
	}

	return Runtime{
		State:          m.state,
		TransitionedAt: m.transitionedAt,
		LastReason:     m.lastReason,
		Health: HealthSnapshot{
			Healthy:             m.healthy,
			LastCheck:           m.lastCheck,
			ConsecutiveFailures: m.consecutiveFailures,
			LastLatency:         m.lastLatency,
		},
		Stats: Stats{
			RequestCount: m.requestCount,
			ErrorCount:   m.errorCount,
			SuccessRate:  rate,
			Uptime:       uptime,
		},
	}
}
