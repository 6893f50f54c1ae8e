// Package health runs periodic liveness probes against running servers and
// drives chronically failing ones into the error state. Recovery is never
// automatic: an operator (or an explicit start command) brings a server back.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/registry"
	"mcphub-go/internal/state"
	"mcphub-go/internal/transport"
)

// Monitor probes one server at its configured interval.
type Monitor struct {
	entry  *registry.Entry
	bus    *events.Bus
	logger *zap.Logger

	interval  time.Duration
	threshold int

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewMonitor builds a monitor for entry. Interval and failure threshold come
// from the descriptor; a zero interval disables probing entirely.
func NewMonitor(entry *registry.Entry, bus *events.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := entry.Config()
	return &Monitor{
		entry:     entry,
		bus:       bus,
		logger:    logger,
		interval:  cfg.HealthInterval(),
		threshold: cfg.EffectiveFailureThreshold(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop. It is a no-op when probing is disabled.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if m.interval <= 0 {
			close(m.done)
			return
		}
		go m.loop()
	})
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopCh:
			return
		}
	}
}

// probe pings the server once. Servers that are not running are left alone:
// there is nothing to check and nothing to demote.
func (m *Monitor) probe() {
	if m.entry.Runtime().State != state.StateRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.QuickOperationTimeout)
	defer cancel()

	started := time.Now()
	err := transport.Ping(ctx, m.entry.Transport())
	latency := time.Since(started)

	healthy := err == nil
	failures := m.entry.Machine().RecordHealthCheck(healthy, latency)

	event := events.Event{
		Type:       events.TypeHealthCheck,
		ServerName: m.entry.Name(),
		Severity:   events.SeverityInfo,
		Data: map[string]any{
			"healthy":              healthy,
			"consecutive_failures": failures,
			"latency":              latency,
		},
	}
	if !healthy {
		event.Severity = events.SeverityWarning
		event.Data["error"] = err.Error()
	}
	m.bus.Publish(event)

	if healthy || failures < m.threshold {
		return
	}

	m.logger.Warn("failure threshold reached, marking server unhealthy",
		zap.String("server", m.entry.Name()),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", m.threshold))

	if terr := m.entry.Machine().Transition(state.StateError, "health check failure threshold reached", ""); terr != nil {
		// A command moved the server concurrently; its transition wins.
		m.logger.Debug("health demotion skipped",
			zap.String("server", m.entry.Name()), zap.Error(terr))
	}
}
