package storage

import "time"

// ServerRecord is the persisted view of a registered server: descriptor
// essentials plus the last observed runtime state. It is a cache, not a
// source of truth; the registry wins on disagreement.
type ServerRecord struct {
	Name          string    `json:"name"`
	Protocol      string    `json:"protocol"`
	Enabled       bool      `json:"enabled"`
	LastState     string    `json:"last_state"`
	LastReason    string    `json:"last_reason,omitempty"`
	EverConnected bool      `json:"ever_connected"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
}

// HealthRecord is the persisted tail of a server's health probes.
type HealthRecord struct {
	ServerName          string        `json:"server_name"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	Timestamp           time.Time     `json:"timestamp"`
}

// StatsRecord accumulates per-server request counters across restarts.
type StatsRecord struct {
	ServerName   string    `json:"server_name"`
	RequestCount uint64    `json:"request_count"`
	ErrorCount   uint64    `json:"error_count"`
	CommandCount uint64    `json:"command_count"`
	Updated      time.Time `json:"updated"`
}
