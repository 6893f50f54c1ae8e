// Package metrics exports Prometheus counters derived from event-bus
// traffic. It is a pure subscriber: nothing in the engine depends on it.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcphub-go/internal/events"
)

// Collector translates bus events into Prometheus series.
type Collector struct {
	transitions      *prometheus.CounterVec
	commands         *prometheus.CounterVec
	healthChecks     *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	droppedEvents    prometheus.Counter

	logger *zap.Logger

	mu      sync.Mutex
	bus     *events.Bus
	eventCh <-chan events.Event
	done    chan struct{}
}

// NewCollector builds and registers the collectors with reg.
func NewCollector(reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "state_transitions_total",
			Help:      "Lifecycle transitions by server and target state.",
		}, []string{"server", "to_state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "command_results_total",
			Help:      "Command outcomes by kind and result code.",
		}, []string{"command", "code"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "health_checks_total",
			Help:      "Health probes by server and outcome.",
		}, []string{"server", "outcome"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by strategy.",
		}, []string{"strategy"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcphub",
			Name:      "unparsed_events_total",
			Help:      "Bus events whose payload could not be interpreted.",
		}),
	}
	reg.MustRegister(c.transitions, c.commands, c.healthChecks, c.routingDecisions, c.droppedEvents)
	return c
}

// Bind subscribes to the bus and starts translating events.
func (c *Collector) Bind(bus *events.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventCh != nil {
		return
	}
	c.bus = bus
	c.eventCh = bus.SubscribeChan(
		events.TypeStateChange,
		events.TypeCommandResult,
		events.TypeHealthCheck,
		events.TypeRoutingDecision,
	)
	c.done = make(chan struct{})
	go c.consume()
}

// Close unsubscribes and waits for the consumer to drain.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.eventCh == nil {
		c.mu.Unlock()
		return
	}
	ch := c.eventCh
	done := c.done
	c.eventCh = nil
	bus := c.bus
	c.mu.Unlock()

	bus.Unsubscribe(ch)
	<-done
}

func (c *Collector) consume() {
	defer close(c.done)
	for event := range c.eventCh {
		c.observe(event)
	}
}

func (c *Collector) observe(event events.Event) {
	switch event.Type {
	case events.TypeStateChange:
		to, ok := event.Data["new_state"].(string)
		if !ok {
			c.droppedEvents.Inc()
			return
		}
		c.transitions.WithLabelValues(event.ServerName, to).Inc()

	case events.TypeCommandResult:
		kind, _ := event.Data["command"].(string)
		code, _ := event.Data["code"].(string)
		if code == "" {
			code = "OK"
		}
		c.commands.WithLabelValues(kind, code).Inc()

	case events.TypeHealthCheck:
		healthy, ok := event.Data["healthy"].(bool)
		if !ok {
			c.droppedEvents.Inc()
			return
		}
		outcome := "healthy"
		if !healthy {
			outcome = "unhealthy"
		}
		c.healthChecks.WithLabelValues(event.ServerName, outcome).Inc()

	case events.TypeRoutingDecision:
		strategy, ok := event.Data["strategy"].(string)
		if !ok {
			c.droppedEvents.Inc()
			return
		}
		c.routingDecisions.WithLabelValues(strategy).Inc()
	}
}
