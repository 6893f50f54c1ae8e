// Package events provides the in-process publish/subscribe bus carrying
// typed state-change, health, command, and routing events.
package events

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// Type represents the type of event
type Type string

const (
	// TypeStateChange is published for every lifecycle transition
	TypeStateChange Type = "state_change"
	// TypeHealthCheck is published after every health probe
	TypeHealthCheck Type = "health_check"
	// TypeCommandResult is published when a command finishes
	TypeCommandResult Type = "command_result"
	// TypeServerAdded is published when a server joins the registry
	TypeServerAdded Type = "server_added"
	// TypeServerRemoved is published when a server leaves the registry
	TypeServerRemoved Type = "server_removed"
	// TypeConfigChanged is published when a server descriptor is edited
	TypeConfigChanged Type = "config_changed"
	// TypeRoutingDecision is published for every routed message
	TypeRoutingDecision Type = "routing_decision"
	// TypeError carries failures that are not tied to a single command
	TypeError Type = "error"
)

// Severity classifies an event for alerting consumers
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a single event in the system. Events are append-only:
// subscribers consume them, never mutate them.
type Event struct {
	Type          Type           `json:"type"`
	ServerName    string         `json:"server_name,omitempty"`
	Severity      Severity       `json:"severity"`
	Data          map[string]any `json:"data,omitempty"`
	Payload       any            `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Handler is a synchronous event callback. Handlers must not block; long
// work belongs in the handler's own queue.
type Handler func(Event)

// HistoryFilter selects a page of historical events.
type HistoryFilter struct {
	Types      []Type
	ServerName string
	Since      time.Time
	Limit      int
	Offset     int
}

// Bus is a thread-safe event bus with synchronous handler dispatch,
// buffered channel subscriptions for push consumers, and a bounded history.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[Type][]Handler
	chans     map[chan Event][]Type
	history   []Event
	retention int
	maxAge    time.Duration
	logger    *zap.Logger
	closed    bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetention caps the history ring buffer at n events.
func WithRetention(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.retention = n
		}
	}
}

// WithMaxAge drops history entries older than d.
func WithMaxAge(d time.Duration) Option {
	return func(b *Bus) { b.maxAge = d }
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers:  make(map[Type][]Handler),
		chans:     make(map[chan Event][]Type),
		retention: config.DefaultEventRetention,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type. Dispatch order for a
// given type is subscription order.
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeChan returns a buffered channel receiving events of the given
// types (all types when none are given). Publishing never blocks on a slow
// channel subscriber; events are dropped when the buffer is full.
func (b *Bus) SubscribeChan(types ...Type) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	size := config.EventChannelBufferSize
	if len(types) == 0 {
		size = config.EventChannelBufferSizeAll
	}
	ch := make(chan Event, size)
	b.chans[ch] = types
	return ch
}

// Unsubscribe removes a channel subscription and closes the channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.chans {
		if c == ch {
			delete(b.chans, c)
			close(c)
			return
		}
	}
}

// Publish dispatches an event synchronously to all handlers of its type and
// pushes it to matching channel subscribers. A panicking handler is logged
// and isolated; it never blocks delivery to the remaining subscribers or
// the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.appendHistoryLocked(event)
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}

	// Channel sends happen under the read lock: Unsubscribe and Close only
	// close channels under the write lock, so a send can never hit a closed
	// channel. The sends are non-blocking, so holding the lock is cheap.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, types := range b.chans {
		if !typeMatches(types, event.Type) {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// dispatch invokes one handler with panic isolation.
func (b *Bus) dispatch(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("server", event.ServerName),
				zap.Any("panic", r))
		}
	}()
	h(event)
}

func typeMatches(types []Type, t Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// appendHistoryLocked adds an event to the ring buffer, evicting the oldest
// entries past the retention cap or max age.
func (b *Bus) appendHistoryLocked(event Event) {
	if b.retention <= 0 {
		return
	}
	b.history = append(b.history, event)
	if len(b.history) > b.retention {
		b.history = b.history[len(b.history)-b.retention:]
	}
	if b.maxAge > 0 {
		cutoff := time.Now().Add(-b.maxAge)
		idx := sort.Search(len(b.history), func(i int) bool {
			return b.history[i].Timestamp.After(cutoff)
		})
		if idx > 0 {
			b.history = b.history[idx:]
		}
	}
}

// History returns a page of historical events matching the filter, in
// publish order.
func (b *Bus) History(filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Event
	for _, e := range b.history {
		if !typeMatches(filter.Types, e.Type) {
			continue
		}
		if filter.ServerName != "" && e.ServerName != filter.ServerName {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		matched = append(matched, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]Event, len(matched))
	copy(out, matched)
	return out
}

// HistoryLen returns the number of retained events.
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}

// SubscriberCount returns the number of handlers for an event type.
func (b *Bus) SubscriberCount(eventType Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// Close closes the bus and all channel subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for ch := range b.chans {
		close(ch)
	}
	b.chans = make(map[chan Event][]Type)
	b.handlers = make(map[Type][]Handler)
	b.history = nil
}

// IsClosed returns whether the bus has been closed.
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
