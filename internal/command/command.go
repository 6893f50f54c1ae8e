// Package command executes lifecycle operations against registered servers:
// start, stop, restart and connection tests. Every operation yields a Result
// that is published on the event bus and journaled by storage.
package command

import (
	"time"
)

// Kind identifies a lifecycle operation.
type Kind string

const (
	KindStart          Kind = "start"
	KindStop           Kind = "stop"
	KindRestart        Kind = "restart"
	KindTestConnection Kind = "test_connection"
)

// Stable failure codes carried on unsuccessful results. Transport failures
// reuse the transport error kind name (CONNECTION, TIMEOUT, MALFORMED,
// PROCESS_EXIT, HTTP_STATUS).
const (
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeServerBusy         = "SERVER_BUSY"
)

// Result is the outcome of a single command execution.
type Result struct {
	Success       bool          `json:"success"`
	ServerName    string        `json:"server_name"`
	Kind          Kind          `json:"kind"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message"`
	Detail        string        `json:"detail,omitempty"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id"`
}
