// Package registry owns the set of registered tool servers. Each entry pairs
// a descriptor with the transport and state machine built from it; the
// registry is the sole owner of both.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/state"
	"mcphub-go/internal/transport"
)

var (
	// ErrDuplicateName is returned by Add when the name is already taken.
	ErrDuplicateName = errors.New("registry: server name already registered")
	// ErrNotFound is returned when no server with the given name exists.
	ErrNotFound = errors.New("registry: server not found")
	// ErrServerBusy is returned when a mutation races a command in flight.
	ErrServerBusy = errors.New("registry: command in flight for server")
	// ErrUnsupportedBackend wraps transport factory rejections.
	ErrUnsupportedBackend = errors.New("registry: unsupported backend protocol")
)

// Registry is a concurrency-safe map of server entries keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	bus    *events.Bus
	logger *zap.Logger
}

// New creates an empty registry publishing membership events on bus.
func New(bus *events.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		bus:     bus,
		logger:  logger,
	}
}

// Add registers a server from its descriptor, constructing the transport and
// state machine for it. The descriptor is cloned; callers keep their copy.
func (r *Registry) Add(cfg *config.ServerConfig) (*Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, cfg.Name)
	}

	tr, err := transport.New(cfg, r.logger)
	if err != nil {
		if errors.Is(err, transport.ErrUnsupportedProtocol) {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Protocol)
		}
		return nil, err
	}

	entry := &Entry{
		cfg:       cfg.Clone(),
		transport: tr,
		machine:   state.NewMachine(cfg.Name, r.bus, r.logger),
		cmdSem:    make(chan struct{}, 1),
	}
	r.entries[cfg.Name] = entry

	r.logger.Info("server registered",
		zap.String("server", cfg.Name),
		zap.String("protocol", cfg.Protocol))
	r.bus.Publish(events.Event{
		Type:       events.TypeServerAdded,
		ServerName: cfg.Name,
		Data: map[string]any{
			"protocol": cfg.Protocol,
			"enabled":  cfg.Enabled,
		},
	})
	return entry, nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return entry, nil
}

// List returns all entries sorted by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries
}

// Remove deregisters a server. It refuses while a command is in flight or
// the server is mid-transition; a running server is stopped first.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.mu.Unlock()

	if !entry.TryAcquire() {
		return fmt.Errorf("%w: %q", ErrServerBusy, name)
	}
	defer entry.Release()

	if !entry.machine.Snapshot().State.IsStable() {
		return fmt.Errorf("%w: %q", ErrServerBusy, name)
	}

	if err := r.stop(ctx, entry, "removal"); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()

	r.logger.Info("server deregistered", zap.String("server", name))
	r.bus.Publish(events.Event{
		Type:       events.TypeServerRemoved,
		ServerName: name,
	})
	return nil
}

// SetEnabled toggles routability of a server. Disabling does not stop it.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	entry, err := r.Get(name)
	if err != nil {
		return err
	}
	if !entry.TryAcquire() {
		return fmt.Errorf("%w: %q", ErrServerBusy, name)
	}
	defer entry.Release()

	entry.setEnabled(enabled)
	r.bus.Publish(events.Event{
		Type:       events.TypeConfigChanged,
		ServerName: name,
		Data:       map[string]any{"enabled": enabled},
	})
	return nil
}

// ApplyConfig reconciles the registry against a freshly loaded config:
// unknown descriptors are added, missing ones removed, changed ones updated.
// Servers with a command in flight are left untouched and reported.
func (r *Registry) ApplyConfig(ctx context.Context, cfg *config.Config) []error {
	desired := make(map[string]*config.ServerConfig, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		desired[sc.Name] = sc
	}

	var errs []error
	for _, entry := range r.List() {
		if _, keep := desired[entry.Name()]; keep {
			continue
		}
		if err := r.Remove(ctx, entry.Name()); err != nil {
			errs = append(errs, err)
		}
	}

	for name, sc := range desired {
		entry, err := r.Get(name)
		if errors.Is(err, ErrNotFound) {
			if _, err := r.Add(sc); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.Config().Equal(sc) {
			continue
		}
		if err := r.update(entry, sc); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// update swaps a changed descriptor in. The transport is rebuilt in every
// state where it is not connected (stopped, error, maintenance) so the next
// start uses the new settings; a running server keeps its live transport.
func (r *Registry) update(entry *Entry, sc *config.ServerConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if !entry.TryAcquire() {
		return fmt.Errorf("%w: %q", ErrServerBusy, sc.Name)
	}
	defer entry.Release()

	switch entry.machine.Snapshot().State {
	case state.StateStopped, state.StateError, state.StateMaintenance:
		tr, err := transport.New(sc, r.logger)
		if err != nil {
			return err
		}
		entry.mu.Lock()
		entry.transport = tr
		entry.mu.Unlock()
	}
	entry.setConfig(sc.Clone())

	r.logger.Info("server descriptor updated", zap.String("server", sc.Name))
	r.bus.Publish(events.Event{
		Type:       events.TypeConfigChanged,
		ServerName: sc.Name,
	})
	return nil
}

// Close stops every running server. Per-server failures are collected, not
// fatal; deregistration events are not published on shutdown.
func (r *Registry) Close(ctx context.Context) []error {
	var errs []error
	for _, entry := range r.List() {
		if err := entry.Acquire(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if err := r.stop(ctx, entry, "shutdown"); err != nil {
			errs = append(errs, err)
		}
		entry.Release()
	}
	return errs
}

// stop drives a running entry to stopped. Callers hold the command slot.
func (r *Registry) stop(_ context.Context, entry *Entry, reason string) error {
	if entry.machine.Snapshot().State != state.StateRunning {
		return nil
	}
	if err := entry.machine.Transition(state.StateStopping, reason, ""); err != nil {
		return err
	}
	if err := entry.Transport().Close(); err != nil {
		r.logger.Warn("transport close failed",
			zap.String("server", entry.Name()), zap.Error(err))
	}
	return entry.machine.Transition(state.StateStopped, reason, "")
}
