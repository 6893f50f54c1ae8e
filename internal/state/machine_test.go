package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/events"
)

// all six states, for exhaustive table checks
var allStates = []Lifecycle{
	StateStopped, StateStarting, StateRunning,
	StateStopping, StateError, StateMaintenance,
}

func allowedSet(from Lifecycle) map[Lifecycle]bool {
	sets := map[Lifecycle][]Lifecycle{
		StateStopped:     {StateStarting, StateMaintenance},
		StateStarting:    {StateRunning, StateError, StateStopped},
		StateRunning:     {StateStopping, StateError, StateMaintenance},
		StateStopping:    {StateStopped, StateError},
		StateError:       {StateStopped, StateStarting, StateMaintenance},
		StateMaintenance: {StateStopped, StateStarting},
	}
	out := make(map[Lifecycle]bool)
	for _, s := range sets[from] {
		out[s] = true
	}
	return out
}

func TestCanTransitionExhaustive(t *testing.T) {
	for _, from := range allStates {
		allowed := allowedSet(from)
		for _, to := range allStates {
			got := CanTransition(from, to)
			assert.Equal(t, allowed[to], got, "%s → %s", from, to)
		}
	}
}

func TestTransitionIllegalLeavesStateUnchanged(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	m := NewMachine("files", bus, zap.NewNop())
	require.Equal(t, StateStopped, m.Current())

	err := m.Transition(StateRunning, "skip starting", "c1")
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateStopped, m.Current())
	assert.Equal(t, 0, bus.HistoryLen(), "illegal transition must publish no event")
}

func TestTransitionPublishesExactlyOneEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	var got []events.Event
	bus.Subscribe(events.TypeStateChange, func(e events.Event) {
		got = append(got, e)
	})

	m := NewMachine("files", bus, zap.NewNop())
	require.NoError(t, m.Transition(StateStarting, "start command", "corr-1"))

	require.Len(t, got, 1, "event must be delivered before Transition returns")
	e := got[0]
	assert.Equal(t, "files", e.ServerName)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.Equal(t, "stopped", e.Data["old_state"])
	assert.Equal(t, "starting", e.Data["new_state"])
	assert.Equal(t, "start command", e.Data["reason"])
}

func TestTransitionToErrorHasErrorSeverity(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()

	m := NewMachine("files", bus, zap.NewNop())
	require.NoError(t, m.Transition(StateStarting, "start", "c"))
	require.NoError(t, m.Transition(StateError, "connect failed", "c"))

	history := bus.History(events.HistoryFilter{Types: []events.Type{events.TypeStateChange}})
	require.Len(t, history, 2)
	assert.Equal(t, events.SeverityError, history[1].Severity)
}

func TestFullLifecycleWalk(t *testing.T) {
	m := NewMachine("files", nil, zap.NewNop())

	steps := []Lifecycle{
		StateStarting, StateRunning, StateStopping, StateStopped,
		StateMaintenance, StateStarting, StateError, StateStarting, StateRunning,
	}
	for _, to := range steps {
		require.NoError(t, m.Transition(to, "walk", ""), "→ %s", to)
	}
	assert.Equal(t, StateRunning, m.Current())
}

func TestStableStates(t *testing.T) {
	assert.True(t, StateStopped.IsStable())
	assert.True(t, StateRunning.IsStable())
	assert.True(t, StateMaintenance.IsStable())
	assert.False(t, StateStarting.IsStable())
	assert.False(t, StateStopping.IsStable())
	assert.False(t, StateError.IsStable())
}

func TestRecordHealthCheck(t *testing.T) {
	m := NewMachine("files", nil, zap.NewNop())
	require.NoError(t, m.Transition(StateStarting, "start", ""))
	require.NoError(t, m.Transition(StateRunning, "started", ""))

	assert.Equal(t, 1, m.RecordHealthCheck(false, 5*time.Millisecond))
	assert.Equal(t, 2, m.RecordHealthCheck(false, 5*time.Millisecond))
	assert.False(t, m.IsHealthy())

	assert.Equal(t, 0, m.RecordHealthCheck(true, 3*time.Millisecond))
	assert.True(t, m.IsHealthy())

	snap := m.Snapshot()
	assert.True(t, snap.Health.Healthy)
	assert.Equal(t, 3*time.Millisecond, snap.Health.LastLatency)
	assert.False(t, snap.Health.LastCheck.IsZero())
}

func TestRunningResetsFailures(t *testing.T) {
	m := NewMachine("files", nil, zap.NewNop())
	require.NoError(t, m.Transition(StateStarting, "start", ""))
	require.NoError(t, m.Transition(StateRunning, "started", ""))

	m.RecordHealthCheck(false, 0)
	m.RecordHealthCheck(false, 0)
	require.NoError(t, m.Transition(StateError, "threshold", ""))
	require.NoError(t, m.Transition(StateStarting, "restart", ""))
	require.NoError(t, m.Transition(StateRunning, "restarted", ""))

	assert.Equal(t, 0, m.Snapshot().Health.ConsecutiveFailures)
	assert.True(t, m.IsHealthy(), "fresh running server with no probes counts as healthy")
}

func TestRecordRequestStats(t *testing.T) {
	m := NewMachine("files", nil, zap.NewNop())

	m.RecordRequest(true)
	m.RecordRequest(true)
	m.RecordRequest(false)
	m.RecordRequest(true)

	stats := m.Snapshot().Stats
	assert.Equal(t, uint64(4), stats.RequestCount)
	assert.Equal(t, uint64(1), stats.ErrorCount)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
}

func TestUptimeOnlyWhileRunning(t *testing.T) {
	m := NewMachine("files", nil, zap.NewNop())
	assert.Zero(t, m.Snapshot().Stats.Uptime)

	require.NoError(t, m.Transition(StateStarting, "start", ""))
	require.NoError(t, m.Transition(StateRunning, "started", ""))
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, m.Snapshot().Stats.Uptime, time.Duration(0))

	require.NoError(t, m.Transition(StateStopping, "stop", ""))
	require.NoError(t, m.Transition(StateStopped, "stopped", ""))
	assert.Zero(t, m.Snapshot().Stats.Uptime)
}
