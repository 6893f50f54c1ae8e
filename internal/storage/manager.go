// Package storage persists server descriptors, command-result journals and
// per-server counters to bbolt. It is a write-behind observer of the event
// bus: runtime state lives in the registry, storage only records it.
package storage

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/command"
	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
)

// Manager provides a unified interface for storage operations.
type Manager struct {
	db     *BoltDB
	logger *zap.SugaredLogger

	mu      sync.Mutex
	eventCh <-chan events.Event
	bus     *events.Bus
	done    chan struct{}
}

// NewManager opens the database under dataDir.
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, logger: logger}, nil
}

// Close unbinds from the event bus and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.bus != nil && m.eventCh != nil {
		m.bus.Unsubscribe(m.eventCh)
		m.bus = nil
	}
	done := m.done
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	return m.db.Close()
}

// Bind subscribes to bus events and journals them in the background until
// Close is called or the bus shuts down.
func (m *Manager) Bind(bus *events.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventCh != nil {
		return
	}

	ch := bus.SubscribeChan(
		events.TypeStateChange,
		events.TypeCommandResult,
		events.TypeHealthCheck,
		events.TypeServerRemoved,
	)
	m.bus = bus
	m.eventCh = ch
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for event := range ch {
			m.record(event)
		}
	}()
}

func (m *Manager) record(event events.Event) {
	var err error
	switch event.Type {
	case events.TypeStateChange:
		err = m.recordStateChange(event)
	case events.TypeCommandResult:
		err = m.recordCommandResult(event)
	case events.TypeHealthCheck:
		err = m.recordHealthCheck(event)
	case events.TypeServerRemoved:
		err = m.db.DeleteServer(event.ServerName)
	}
	if err != nil {
		m.logger.Warnw("failed to journal event",
			"type", event.Type, "server", event.ServerName, "error", err)
	}
}

func (m *Manager) recordStateChange(event events.Event) error {
	record, err := m.db.GetServer(event.ServerName)
	if err == ErrRecordNotFound {
		record = &ServerRecord{Name: event.ServerName, Created: time.Now()}
	} else if err != nil {
		return err
	}

	if state, ok := event.Data["new_state"].(string); ok {
		record.LastState = state
		if state == "running" {
			record.EverConnected = true
			record.LastConnected = event.Timestamp
		}
	}
	if reason, ok := event.Data["reason"].(string); ok {
		record.LastReason = reason
	}
	return m.db.SaveServer(record)
}

func (m *Manager) recordCommandResult(event events.Event) error {
	result, ok := event.Payload.(*command.Result)
	if !ok {
		return nil
	}
	if err := m.db.AppendCommandResult(result); err != nil {
		return err
	}
	return m.db.IncrementStats(result.ServerName, 0, 0, 1)
}

func (m *Manager) recordHealthCheck(event events.Event) error {
	record := &HealthRecord{
		ServerName: event.ServerName,
		Timestamp:  event.Timestamp,
	}
	if healthy, ok := event.Data["healthy"].(bool); ok {
		record.Healthy = healthy
	}
	if failures, ok := event.Data["consecutive_failures"].(int); ok {
		record.ConsecutiveFailures = failures
	}
	if latency, ok := event.Data["latency"].(time.Duration); ok {
		record.Latency = latency
	}
	return m.db.SaveHealth(record)
}

// SaveServerConfig persists descriptor essentials for a registered server.
func (m *Manager) SaveServerConfig(cfg *config.ServerConfig) error {
	record, err := m.db.GetServer(cfg.Name)
	if err == ErrRecordNotFound {
		record = &ServerRecord{
			Name:      cfg.Name,
			Created:   cfg.Created,
			LastState: "stopped",
		}
		if record.Created.IsZero() {
			record.Created = time.Now()
		}
	} else if err != nil {
		return err
	}
	record.Protocol = cfg.Protocol
	record.Enabled = cfg.Enabled
	return m.db.SaveServer(record)
}

// GetServer returns the persisted record for a server.
func (m *Manager) GetServer(name string) (*ServerRecord, error) {
	return m.db.GetServer(name)
}

// ListServers returns all persisted server records.
func (m *Manager) ListServers() ([]*ServerRecord, error) {
	return m.db.ListServers()
}

// CommandHistory returns up to limit journaled results, newest first,
// optionally filtered by server name.
func (m *Manager) CommandHistory(serverName string, limit int) ([]*command.Result, error) {
	return m.db.ListCommandResults(serverName, limit)
}

// RecordRequests adds request and error counts for a server.
func (m *Manager) RecordRequests(name string, requests, errors uint64) error {
	return m.db.IncrementStats(name, requests, errors, 0)
}

// Stats returns accumulated counters for a server.
func (m *Manager) Stats(name string) (*StatsRecord, error) {
	return m.db.GetStats(name)
}

// Health returns the last persisted health observation for a server.
func (m *Manager) Health(name string) (*HealthRecord, error) {
	return m.db.GetHealth(name)
}
