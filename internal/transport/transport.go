// Package transport turns abstract JSON-RPC requests into bytes on the wire
// for each backend kind (child-process stdio, HTTP) and back.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mcphub-go/internal/config"
)

// ErrUnsupportedProtocol is returned by the factory for unknown backend kinds.
var ErrUnsupportedProtocol = errors.New("unsupported transport protocol")

// ErrNotConnected is returned by Send on a transport without a live connection.
var ErrNotConnected = errors.New("transport not connected")

// Kind classifies a transport-level failure, as distinct from a payload-level
// JSON-RPC error returned by the server.
type Kind string

const (
	// KindConnection covers refused connections and broken pipes
	KindConnection Kind = "CONNECTION"
	// KindTimeout covers deadline expiry on connect or send
	KindTimeout Kind = "TIMEOUT"
	// KindMalformed covers undecodable or mismatched responses
	KindMalformed Kind = "MALFORMED"
	// KindProcessExit covers a stdio child exiting under us
	KindProcessExit Kind = "PROCESS_EXIT"
	// KindHTTPStatus covers non-2xx HTTP responses
	KindHTTPStatus Kind = "HTTP_STATUS"
)

// Error is a transport-level failure: connection refused, timeout, process
// death, malformed payload. It transitions the owning server to error when
// raised during a command.
type Error struct {
	Kind   Kind
	Server string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s error (server %s): %v", e.Kind, e.Server, e.Err)
	}
	return fmt.Sprintf("transport %s error (server %s)", e.Kind, e.Server)
}

func (e *Error) Unwrap() error { return e.Err }

// newError wraps err as a transport Error, classifying context expiry as a
// timeout regardless of the caller's suggested kind.
func newError(kind Kind, server string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Server: server, Err: err}
}

// AsError extracts a transport *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Transport is the contract every backend implements. Send returns a
// *Response whose Error field carries payload-level JSON-RPC failures;
// transport-level failures come back as a *Error.
type Transport interface {
	// Connect establishes the connection and completes the initialize
	// handshake within the context deadline.
	Connect(ctx context.Context) error

	// IsConnected reports whether the backend is usable for Send.
	IsConnected() bool

	// Send issues one request and waits for the correlated response.
	Send(ctx context.Context, method string, params any) (*Response, error)

	// Close tears the connection down. For process backends this signals
	// the child and force-kills after a grace period.
	Close() error
}

// Factory constructs a transport for one server descriptor.
type Factory func(cfg *config.ServerConfig, logger *zap.Logger) (Transport, error)

var factories = map[string]Factory{}

// Register installs a factory for a protocol name. Called from init.
func Register(protocol string, f Factory) {
	factories[protocol] = f
}

// New constructs the transport for a descriptor via the registration table,
// failing with ErrUnsupportedProtocol for unknown backend kinds.
func New(cfg *config.ServerConfig, logger *zap.Logger) (Transport, error) {
	f, ok := factories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Protocol)
	}
	return f(cfg, logger)
}

func init() {
	Register(config.ProtocolStdio, newStdioTransport)
	Register(config.ProtocolHTTP, newHTTPTransport)
}
