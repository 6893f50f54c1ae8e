// Package state owns the lifecycle state machine for one managed server.
package state

import (
	"errors"
	"fmt"
	"time"
)

// Lifecycle represents a server's operational status.
type Lifecycle string

const (
	// StateStopped is the initial resting state
	StateStopped Lifecycle = "stopped"
	// StateStarting is the transient state while a connection is established
	StateStarting Lifecycle = "starting"
	// StateRunning means the server is connected and serving requests
	StateRunning Lifecycle = "running"
	// StateStopping is the transient state while a connection is torn down
	StateStopping Lifecycle = "stopping"
	// StateError means the last command or health check left the server failed
	StateError Lifecycle = "error"
	// StateMaintenance takes a server out of rotation without stopping it permanently
	StateMaintenance Lifecycle = "maintenance"
)

// ErrIllegalTransition is returned when a requested transition is not in the
// allowed set for the current state.
var ErrIllegalTransition = errors.New("illegal state transition")

// validTransitions defines the allowed target states per source state.
// Deny by default: transitions absent from this table are illegal.
var validTransitions = map[Lifecycle][]Lifecycle{
	StateStopped:     {StateStarting, StateMaintenance},
	StateStarting:    {StateRunning, StateError, StateStopped},
	StateRunning:     {StateStopping, StateError, StateMaintenance},
	StateStopping:    {StateStopped, StateError},
	StateError:       {StateStopped, StateStarting, StateMaintenance},
	StateMaintenance: {StateStopped, StateStarting},
}

// Valid reports whether s is one of the six defined lifecycle states.
func (s Lifecycle) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsStable reports whether s is a resting state that is safe to report to
// polling consumers and safe for registry removal.
func (s Lifecycle) IsStable() bool {
	switch s {
	case StateStopped, StateRunning, StateMaintenance:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is in the allowed set.
func CanTransition(from, to Lifecycle) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transitionError builds the typed error for an illegal transition.
func transitionError(from, to Lifecycle) error {
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

// HealthSnapshot is the most recent health-probe outcome for a server.
type HealthSnapshot struct {
	Healthy             bool          `json:"healthy"`
	LastCheck           time.Time     `json:"last_check,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastLatency         time.Duration `json:"last_latency,omitempty"`
}

// Stats aggregates request metrics for a server.
type Stats struct {
	RequestCount uint64        `json:"request_count"`
	ErrorCount   uint64        `json:"error_count"`
	SuccessRate  float64       `json:"success_rate"`
	Uptime       time.Duration `json:"uptime,omitempty"`
}

// Runtime is an immutable snapshot of a server's mutable operational state.
type Runtime struct {
	State          Lifecycle      `json:"state"`
	TransitionedAt time.Time      `json:"transitioned_at"`
	LastReason     string         `json:"last_reason,omitempty"`
	Health         HealthSnapshot `json:"health"`
	Stats          Stats          `json:"stats"`
}
