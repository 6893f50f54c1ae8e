package health

import (
	"sync"

	"go.uber.org/zap"

	"mcphub-go/internal/events"
	"mcphub-go/internal/registry"
)

// Supervisor keeps one Monitor per registered server, following registry
// membership through server_added / server_removed events and restarting a
// server's monitor when its descriptor is edited.
type Supervisor struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor
	eventCh  <-chan events.Event
	done     chan struct{}
}

// NewSupervisor wires a supervisor to the registry and event bus.
func NewSupervisor(reg *registry.Registry, bus *events.Bus, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		registry: reg,
		bus:      bus,
		logger:   logger,
		monitors: make(map[string]*Monitor),
	}
}

// Start spins up monitors for every current entry and begins tracking
// membership changes.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventCh != nil {
		return
	}

	for _, entry := range s.registry.List() {
		s.startMonitorLocked(entry)
	}

	s.eventCh = s.bus.SubscribeChan(
		events.TypeServerAdded, events.TypeServerRemoved, events.TypeConfigChanged)
	s.done = make(chan struct{})
	go s.watch()
}

// Stop tears down every monitor and stops watching membership.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.eventCh == nil {
		s.mu.Unlock()
		return
	}
	ch := s.eventCh
	done := s.done
	s.eventCh = nil

	monitors := make([]*Monitor, 0, len(s.monitors))
	for name, m := range s.monitors {
		monitors = append(monitors, m)
		delete(s.monitors, name)
	}
	s.mu.Unlock()

	s.bus.Unsubscribe(ch)
	<-done
	for _, m := range monitors {
		m.Stop()
	}
}

func (s *Supervisor) watch() {
	defer close(s.done)
	for event := range s.eventCh {
		switch event.Type {
		case events.TypeServerAdded:
			entry, err := s.registry.Get(event.ServerName)
			if err != nil {
				continue // removed again before we caught up
			}
			s.mu.Lock()
			s.startMonitorLocked(entry)
			s.mu.Unlock()
		case events.TypeServerRemoved:
			s.mu.Lock()
			m := s.monitors[event.ServerName]
			delete(s.monitors, event.ServerName)
			s.mu.Unlock()
			if m != nil {
				m.Stop()
			}
		case events.TypeConfigChanged:
			// The monitor snapshots interval and threshold at construction,
			// so an edited descriptor needs a fresh monitor.
			entry, err := s.registry.Get(event.ServerName)
			if err != nil {
				continue
			}
			s.mu.Lock()
			old := s.monitors[event.ServerName]
			delete(s.monitors, event.ServerName)
			s.startMonitorLocked(entry)
			s.mu.Unlock()
			if old != nil {
				old.Stop()
			}
		}
	}
}

func (s *Supervisor) startMonitorLocked(entry *registry.Entry) {
	name := entry.Name()
	if _, exists := s.monitors[name]; exists {
		return
	}
	m := NewMonitor(entry, s.bus, s.logger)
	s.monitors[name] = m
	m.Start()
}
