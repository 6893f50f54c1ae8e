// Package config provides configuration types and utilities for mcphub.
// Timeout constants are centralized here to keep magic numbers out of the
// supervision and routing code.
package config

import "time"

// Connection timeouts
const (
	// DefaultConnectionTimeout is the default timeout for establishing
	// connections, covering process spawn plus the initialize handshake.
	DefaultConnectionTimeout = 30 * time.Second

	// HTTPIdleConnTimeout is the idle connection timeout for HTTP transports
	HTTPIdleConnTimeout = 90 * time.Second

	// QuickOperationTimeout is used for health probes and status queries
	QuickOperationTimeout = 10 * time.Second
)

// Command execution
const (
	// DefaultCommandTimeout bounds a single start/stop/test-connection
	// command when the server config carries no override.
	DefaultCommandTimeout = 30 * time.Second

	// ShutdownGracePeriod is how long a stdio child process gets between
	// the termination signal and a forced kill.
	ShutdownGracePeriod = 5 * time.Second

	// ServerStopTimeout is the max time to wait for one server to stop
	ServerStopTimeout = 10 * time.Second

	// TotalShutdownTimeout bounds the whole coordinated shutdown sequence
	TotalShutdownTimeout = 30 * time.Second
)

// Health checks
const (
	// DefaultHealthCheckInterval is used when a server enables health
	// checks without specifying an interval.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultFailureThreshold is the number of consecutive failed probes
	// before a running server is transitioned to error.
	DefaultFailureThreshold = 3
)

// Router
const (
	// DefaultRouteTimeout is the overall deadline for one Route call
	DefaultRouteTimeout = 60 * time.Second

	// ModelCallTimeout bounds a single model provider invocation
	ModelCallTimeout = 30 * time.Second

	// ToolCallTimeout bounds a single tools/call against a server
	ToolCallTimeout = 60 * time.Second
)

// Event bus
const (
	// EventChannelBufferSize is the buffer size for per-type channel subscribers
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for multi-type subscribers
	EventChannelBufferSizeAll = 500

	// DefaultEventRetention is the ring-buffer size for event history
	DefaultEventRetention = 1000
)

// Startup
const (
	// DefaultMaxConcurrentConnections limits parallel server starts at boot
	DefaultMaxConcurrentConnections = 8
)
