package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/registry"
	"mcphub-go/internal/state"
	"mcphub-go/internal/transport"
)

// fakeTransport scripts connect/close behavior so commands can be driven
// through every outcome without real servers.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectDelay time.Duration
	closeErr     error
	pingErr      error

	connectCalls int
	closeCalls   int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	delay, err := f.connectDelay, f.connectErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &transport.Error{Kind: transport.KindTimeout, Server: "fake", Err: ctx.Err()}
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, _ string, _ any) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return &transport.Response{JSONRPC: "2.0", Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeErr != nil {
		return f.closeErr
	}
	f.connected = false
	return nil
}

var (
	fakesMu sync.Mutex
	fakes   = map[string]*fakeTransport{}
)

func init() {
	transport.Register("fake", func(cfg *config.ServerConfig, _ *zap.Logger) (transport.Transport, error) {
		fakesMu.Lock()
		defer fakesMu.Unlock()
		return fakes[cfg.Name], nil
	})
}

type fixture struct {
	bus      *events.Bus
	registry *registry.Registry
	executor *Executor
	fake     *fakeTransport
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()

	fake := &fakeTransport{}
	fakesMu.Lock()
	fakes[name] = fake
	fakesMu.Unlock()

	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)

	reg := registry.New(bus, zap.NewNop())
	_, err := reg.Add(&config.ServerConfig{
		Name:     name,
		Protocol: "fake",
		Command:  "unused",
		Enabled:  true,
		Timeout:  config.Duration(200 * time.Millisecond),
	})
	require.NoError(t, err)

	return &fixture{
		bus:      bus,
		registry: reg,
		executor: NewExecutor(reg, bus, zap.NewNop()),
		fake:     fake,
	}
}

func (f *fixture) state(t *testing.T, name string) state.Lifecycle {
	t.Helper()
	entry, err := f.registry.Get(name)
	require.NoError(t, err)
	return entry.Runtime().State
}

func TestStartSuccess(t *testing.T) {
	f := newFixture(t, "files")

	result := f.executor.Start(context.Background(), "files")
	require.True(t, result.Success, "detail: %s", result.Detail)
	assert.Equal(t, KindStart, result.Kind)
	assert.Empty(t, result.Code)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, state.StateRunning, f.state(t, "files"))
	assert.Equal(t, 1, f.fake.connectCalls)

	// Both transitions and the result share the command's correlation id.
	history := f.bus.History(events.HistoryFilter{ServerName: "files"})
	var stateChanges, commandResults int
	for _, event := range history {
		switch event.Type {
		case events.TypeStateChange:
			stateChanges++
			assert.Equal(t, result.CorrelationID, event.CorrelationID)
		case events.TypeCommandResult:
			commandResults++
			assert.Equal(t, result.CorrelationID, event.CorrelationID)
		}
	}
	assert.Equal(t, 2, stateChanges) // stopped->starting, starting->running
	assert.Equal(t, 1, commandResults)
}

func TestStartUnknownServer(t *testing.T) {
	f := newFixture(t, "files")

	result := f.executor.Start(context.Background(), "ghost")
	require.False(t, result.Success)
	assert.Equal(t, CodeNotFound, result.Code)
}

func TestStartPreconditionFailed(t *testing.T) {
	f := newFixture(t, "files")

	require.True(t, f.executor.Start(context.Background(), "files").Success)
	before := f.bus.HistoryLen()

	result := f.executor.Start(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, CodePreconditionFailed, result.Code)

	// No transition, no event.
	assert.Equal(t, state.StateRunning, f.state(t, "files"))
	assert.Equal(t, before, f.bus.HistoryLen())
	assert.Equal(t, 1, f.fake.connectCalls)
}

func TestStartConnectFailure(t *testing.T) {
	f := newFixture(t, "files")
	f.fake.connectErr = &transport.Error{
		Kind: transport.KindConnection, Server: "files", Err: errors.New("connection refused"),
	}

	result := f.executor.Start(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, CodeConnectionFailed, result.Code)
	assert.Equal(t, state.StateError, f.state(t, "files"))
}

func TestStartTimeoutLandsInError(t *testing.T) {
	f := newFixture(t, "files")
	f.fake.connectDelay = time.Second // longer than the 200ms descriptor timeout

	result := f.executor.Start(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, CodeTimeout, result.Code)
	// Never stuck in starting.
	assert.Equal(t, state.StateError, f.state(t, "files"))
}

func TestStartFromErrorState(t *testing.T) {
	f := newFixture(t, "files")
	f.fake.connectErr = &transport.Error{Kind: transport.KindConnection, Err: errors.New("refused")}

	require.False(t, f.executor.Start(context.Background(), "files").Success)
	require.Equal(t, state.StateError, f.state(t, "files"))

	f.fake.mu.Lock()
	f.fake.connectErr = nil
	f.fake.mu.Unlock()

	result := f.executor.Start(context.Background(), "files")
	require.True(t, result.Success)
	assert.Equal(t, state.StateRunning, f.state(t, "files"))
}

func TestStopSuccess(t *testing.T) {
	f := newFixture(t, "files")
	require.True(t, f.executor.Start(context.Background(), "files").Success)

	result := f.executor.Stop(context.Background(), "files")
	require.True(t, result.Success)
	assert.Equal(t, state.StateStopped, f.state(t, "files"))
	assert.Equal(t, 1, f.fake.closeCalls)
}

func TestStopRequiresRunning(t *testing.T) {
	f := newFixture(t, "files")

	result := f.executor.Stop(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, CodePreconditionFailed, result.Code)
	assert.Equal(t, state.StateStopped, f.state(t, "files"))
}

func TestRestartSharesCorrelationID(t *testing.T) {
	f := newFixture(t, "files")
	require.True(t, f.executor.Start(context.Background(), "files").Success)
	mark := f.bus.HistoryLen()

	result := f.executor.Restart(context.Background(), "files")
	require.True(t, result.Success, "detail: %s", result.Detail)
	assert.Equal(t, KindRestart, result.Kind)
	assert.Equal(t, state.StateRunning, f.state(t, "files"))

	history := f.bus.History(events.HistoryFilter{Offset: mark})
	require.NotEmpty(t, history)
	for _, event := range history {
		assert.Equal(t, result.CorrelationID, event.CorrelationID,
			"event %s should carry the restart correlation id", event.Type)
	}
}

func TestRestartAbortsOnStopFailure(t *testing.T) {
	f := newFixture(t, "files")
	require.True(t, f.executor.Start(context.Background(), "files").Success)

	f.fake.mu.Lock()
	f.fake.closeErr = errors.New("close failed")
	f.fake.mu.Unlock()

	result := f.executor.Restart(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, state.StateError, f.state(t, "files"))
	// The start leg never ran.
	assert.Equal(t, 1, f.fake.connectCalls)
}

func TestConcurrentStartsSerialized(t *testing.T) {
	f := newFixture(t, "files")
	f.fake.connectDelay = 50 * time.Millisecond

	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- f.executor.Start(context.Background(), "files")
		}()
	}

	var succeeded, preconditionFailed int
	for i := 0; i < 2; i++ {
		select {
		case result := <-results:
			if result.Success {
				succeeded++
			} else if result.Code == CodePreconditionFailed {
				preconditionFailed++
			} else {
				t.Fatalf("unexpected result: %+v", result)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("command did not finish")
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, preconditionFailed)
	// The transport was hit exactly once.
	assert.Equal(t, 1, f.fake.connectCalls)
	assert.Equal(t, state.StateRunning, f.state(t, "files"))
}

func TestTestConnectionOnRunningServer(t *testing.T) {
	f := newFixture(t, "files")
	require.True(t, f.executor.Start(context.Background(), "files").Success)

	result := f.executor.TestConnection(context.Background(), "files")
	require.True(t, result.Success)
	assert.Equal(t, KindTestConnection, result.Kind)
	// Probe must not disturb the lifecycle.
	assert.Equal(t, state.StateRunning, f.state(t, "files"))
}

func TestTestConnectionOnStoppedServer(t *testing.T) {
	f := newFixture(t, "files")

	result := f.executor.TestConnection(context.Background(), "files")
	require.True(t, result.Success, "detail: %s", result.Detail)
	assert.Equal(t, state.StateStopped, f.state(t, "files"))
}

func TestTestConnectionRejectedMidTransition(t *testing.T) {
	f := newFixture(t, "files")
	entry, err := f.registry.Get("files")
	require.NoError(t, err)
	require.NoError(t, entry.Machine().Transition(state.StateStarting, "test", ""))

	result := f.executor.TestConnection(context.Background(), "files")
	require.False(t, result.Success)
	assert.Equal(t, CodePreconditionFailed, result.Code)
}

func TestCommandResultJournaledShape(t *testing.T) {
	f := newFixture(t, "files")

	result := f.executor.Start(context.Background(), "files")
	require.True(t, result.Success)

	history := f.bus.History(events.HistoryFilter{
		Types: []events.Type{events.TypeCommandResult},
	})
	require.Len(t, history, 1)

	payload, ok := history[0].Payload.(*Result)
	require.True(t, ok)
	assert.Equal(t, result, payload)
	assert.Equal(t, "start", fmt.Sprint(history[0].Data["command"]))
}
