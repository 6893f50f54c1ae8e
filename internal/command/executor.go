package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/registry"
	"mcphub-go/internal/state"
	"mcphub-go/internal/transport"
)

// Executor runs lifecycle commands against registered servers. Commands for
// the same server serialize on the registry entry's command slot; commands
// for different servers run freely in parallel.
type Executor struct {
	registry *registry.Registry
	bus      *events.Bus
	logger   *zap.Logger
}

// NewExecutor wires an executor to the registry and event bus.
func NewExecutor(reg *registry.Registry, bus *events.Bus, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{registry: reg, bus: bus, logger: logger}
}

// Start connects a stopped (or errored) server and drives it to running.
func (e *Executor) Start(ctx context.Context, name string) *Result {
	return e.run(ctx, KindStart, name, e.doStart)
}

// Stop disconnects a running server and drives it to stopped.
func (e *Executor) Stop(ctx context.Context, name string) *Result {
	return e.run(ctx, KindStop, name, e.doStop)
}

// Restart stops then starts a running server under one correlation id.
// A stop failure aborts the restart.
func (e *Executor) Restart(ctx context.Context, name string) *Result {
	return e.run(ctx, KindRestart, name, func(ctx context.Context, entry *registry.Entry, corrID string) error {
		if err := e.doStop(ctx, entry, corrID); err != nil {
			return err
		}
		return e.doStart(ctx, entry, corrID)
	})
}

// TestConnection probes a server without changing its lifecycle state. On a
// running server it pings the live transport; otherwise it connects a
// throwaway transport, pings, and tears it down.
func (e *Executor) TestConnection(ctx context.Context, name string) *Result {
	return e.run(ctx, KindTestConnection, name, e.doTest)
}

type operation func(ctx context.Context, entry *registry.Entry, corrID string) error

// run wraps an operation with the shared command protocol: lookup, command
// slot, precondition check, timing, and result publication.
func (e *Executor) run(ctx context.Context, kind Kind, name string, op operation) *Result {
	corrID := uuid.NewString()
	started := time.Now()

	fail := func(code, message string, err error) *Result {
		result := &Result{
			Success:       false,
			ServerName:    name,
			Kind:          kind,
			Code:          code,
			Message:       message,
			Duration:      time.Since(started),
			Timestamp:     time.Now(),
			CorrelationID: corrID,
		}
		if err != nil {
			result.Detail = err.Error()
		}
		return result
	}

	entry, err := e.registry.Get(name)
	if err != nil {
		return fail(CodeNotFound, fmt.Sprintf("server %q is not registered", name), err)
	}

	if err := entry.Acquire(ctx); err != nil {
		return fail(CodeTimeout, "timed out waiting for a previous command to finish", err)
	}
	defer entry.Release()

	current := entry.Runtime().State
	if !preconditionMet(kind, current) {
		// Precondition failures change nothing and publish nothing.
		return fail(CodePreconditionFailed,
			fmt.Sprintf("cannot %s server in state %q", kind, current), nil)
	}

	e.logger.Info("executing command",
		zap.String("command", string(kind)),
		zap.String("server", name),
		zap.String("correlation_id", corrID))

	opErr := op(ctx, entry, corrID)

	result := &Result{
		Success:       opErr == nil,
		ServerName:    name,
		Kind:          kind,
		Duration:      time.Since(started),
		Timestamp:     time.Now(),
		CorrelationID: corrID,
	}
	if opErr != nil {
		result.Code = codeForError(opErr)
		result.Message = fmt.Sprintf("%s failed", kind)
		result.Detail = opErr.Error()
	} else {
		result.Message = successMessage(kind)
	}

	e.publish(result)
	return result
}

// preconditionMet is the command precondition table.
func preconditionMet(kind Kind, current state.Lifecycle) bool {
	switch kind {
	case KindStart:
		return current == state.StateStopped || current == state.StateError
	case KindStop:
		return current == state.StateRunning
	case KindRestart:
		return current == state.StateRunning
	case KindTestConnection:
		return current.IsStable() || current == state.StateError
	default:
		return false
	}
}

func (e *Executor) doStart(ctx context.Context, entry *registry.Entry, corrID string) error {
	if err := entry.Machine().Transition(state.StateStarting, "command:"+string(KindStart), corrID); err != nil {
		return err
	}

	cfg := entry.Config()
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	if err := entry.Transport().Connect(connectCtx); err != nil {
		if terr := entry.Machine().Transition(state.StateError, err.Error(), corrID); terr != nil {
			e.logger.Error("failed to record error state",
				zap.String("server", entry.Name()), zap.Error(terr))
		}
		return err
	}

	return entry.Machine().Transition(state.StateRunning, "command:"+string(KindStart), corrID)
}

func (e *Executor) doStop(ctx context.Context, entry *registry.Entry, corrID string) error {
	if err := entry.Machine().Transition(state.StateStopping, "command:"+string(KindStop), corrID); err != nil {
		return err
	}

	if err := entry.Transport().Close(); err != nil {
		if terr := entry.Machine().Transition(state.StateError, err.Error(), corrID); terr != nil {
			e.logger.Error("failed to record error state",
				zap.String("server", entry.Name()), zap.Error(terr))
		}
		return err
	}

	return entry.Machine().Transition(state.StateStopped, "command:"+string(KindStop), corrID)
}

func (e *Executor) doTest(ctx context.Context, entry *registry.Entry, _ string) error {
	probeCtx, cancel := context.WithTimeout(ctx, config.QuickOperationTimeout)
	defer cancel()

	if entry.Runtime().State == state.StateRunning {
		return transport.Ping(probeCtx, entry.Transport())
	}

	cfg := entry.Config()
	probe, err := transport.New(cfg, e.logger)
	if err != nil {
		return err
	}
	defer probe.Close()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := probe.Connect(connectCtx); err != nil {
		return err
	}
	return transport.Ping(probeCtx, probe)
}

func (e *Executor) publish(result *Result) {
	severity := events.SeverityInfo
	if !result.Success {
		severity = events.SeverityError
	}
	e.bus.Publish(events.Event{
		Type:          events.TypeCommandResult,
		ServerName:    result.ServerName,
		Severity:      severity,
		CorrelationID: result.CorrelationID,
		Payload:       result,
		Data: map[string]any{
			"command":  string(result.Kind),
			"success":  result.Success,
			"code":     result.Code,
			"duration": result.Duration.String(),
		},
	})
}

// codeForError maps operation failures onto the stable code set. Transport
// failures carry their kind name straight through.
func codeForError(err error) string {
	if errors.Is(err, state.ErrIllegalTransition) {
		return CodeIllegalTransition
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if te, ok := transport.AsError(err); ok {
		switch te.Kind {
		case transport.KindConnection:
			return CodeConnectionFailed
		case transport.KindTimeout:
			return CodeTimeout
		default:
			return string(te.Kind)
		}
	}
	return CodeConnectionFailed
}

func successMessage(kind Kind) string {
	switch kind {
	case KindStart:
		return "server started"
	case KindStop:
		return "server stopped"
	case KindRestart:
		return "server restarted"
	case KindTestConnection:
		return "connection ok"
	default:
		return "ok"
	}
}
