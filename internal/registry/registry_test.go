package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/state"
)

func stdioConfig(name string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:         name,
		Protocol:     config.ProtocolStdio,
		Command:      "mcp-" + name,
		Capabilities: []string{name + "_tool"},
		Enabled:      true,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	t.Cleanup(bus.Close)
	return New(bus, zap.NewNop()), bus
}

func TestAddAndGet(t *testing.T) {
	r, bus := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)
	assert.Equal(t, "files", entry.Name())
	assert.Equal(t, state.StateStopped, entry.Runtime().State)

	got, err := r.Get("files")
	require.NoError(t, err)
	assert.Same(t, entry, got)

	history := bus.History(events.HistoryFilter{Types: []events.Type{events.TypeServerAdded}})
	require.Len(t, history, 1)
	assert.Equal(t, "files", history[0].ServerName)
}

func TestAddDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)
	_, err = r.Add(stdioConfig("files"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestAddUnsupportedBackend(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Add(&config.ServerConfig{Name: "exotic", Protocol: "grpc", Command: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestAddClonesDescriptor(t *testing.T) {
	r, _ := newTestRegistry(t)

	cfg := stdioConfig("files")
	entry, err := r.Add(cfg)
	require.NoError(t, err)

	cfg.Command = "mutated"
	assert.Equal(t, "mcp-files", entry.Config().Command)
}

func TestListSorted(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Add(stdioConfig(name))
		require.NoError(t, err)
	}

	entries := r.List()
	require.Len(t, entries, 3)
	assert.Equal(t, "alpha", entries[0].Name())
	assert.Equal(t, "mid", entries[1].Name())
	assert.Equal(t, "zeta", entries[2].Name())
}

func TestRemove(t *testing.T) {
	r, bus := newTestRegistry(t)

	_, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), "files"))
	_, err = r.Get("files")
	assert.ErrorIs(t, err, ErrNotFound)

	history := bus.History(events.HistoryFilter{Types: []events.Type{events.TypeServerRemoved}})
	require.Len(t, history, 1)
	assert.Equal(t, "files", history[0].ServerName)
}

func TestRemoveNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.ErrorIs(t, r.Remove(context.Background(), "ghost"), ErrNotFound)
}

func TestRemoveBusyWhileCommandInFlight(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)

	require.True(t, entry.TryAcquire())
	defer entry.Release()

	assert.ErrorIs(t, r.Remove(context.Background(), "files"), ErrServerBusy)

	// Still registered.
	_, err = r.Get("files")
	assert.NoError(t, err)
}

func TestRemoveBusyWhileTransitioning(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)
	require.NoError(t, entry.Machine().Transition(state.StateStarting, "test", ""))

	assert.ErrorIs(t, r.Remove(context.Background(), "files"), ErrServerBusy)
}

func TestSetEnabled(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)
	require.True(t, entry.Enabled())

	require.NoError(t, r.SetEnabled("files", false))
	assert.False(t, entry.Enabled())

	require.True(t, entry.TryAcquire())
	assert.ErrorIs(t, r.SetEnabled("files", true), ErrServerBusy)
	entry.Release()
}

func TestApplyConfigReconciles(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Add(stdioConfig("keep"))
	require.NoError(t, err)
	_, err = r.Add(stdioConfig("drop"))
	require.NoError(t, err)

	changed := stdioConfig("keep")
	changed.Args = []string{"--verbose"}

	errs := r.ApplyConfig(context.Background(), &config.Config{
		Servers: []*config.ServerConfig{changed, stdioConfig("fresh")},
	})
	assert.Empty(t, errs)

	_, err = r.Get("drop")
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := r.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, "mcp-fresh", fresh.Config().Command)

	kept, err := r.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, []string{"--verbose"}, kept.Config().Args)
}

func TestApplyConfigRebuildsTransportWhileDisconnected(t *testing.T) {
	tests := []struct {
		name  string
		drive func(t *testing.T, m *state.Machine)
	}{
		{"stopped", func(*testing.T, *state.Machine) {}},
		{"error", func(t *testing.T, m *state.Machine) {
			require.NoError(t, m.Transition(state.StateStarting, "test", ""))
			require.NoError(t, m.Transition(state.StateError, "test", ""))
		}},
		{"maintenance", func(t *testing.T, m *state.Machine) {
			require.NoError(t, m.Transition(state.StateMaintenance, "test", ""))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)

			entry, err := r.Add(stdioConfig("files"))
			require.NoError(t, err)
			tt.drive(t, entry.Machine())
			before := entry.Transport()

			changed := stdioConfig("files")
			changed.Command = "mcp-files-v2"
			errs := r.ApplyConfig(context.Background(), &config.Config{
				Servers: []*config.ServerConfig{changed},
			})
			require.Empty(t, errs)

			assert.Equal(t, "mcp-files-v2", entry.Config().Command)
			assert.NotSame(t, before, entry.Transport(),
				"next start must connect with the edited descriptor")
		})
	}
}

func TestApplyConfigSkipsBusyServer(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)
	require.True(t, entry.TryAcquire())
	defer entry.Release()

	changed := stdioConfig("files")
	changed.Args = []string{"--changed"}

	errs := r.ApplyConfig(context.Background(), &config.Config{
		Servers: []*config.ServerConfig{changed},
	})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrServerBusy)
	assert.Empty(t, entry.Config().Args)
}

func TestEntryCommandSlot(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)

	require.True(t, entry.TryAcquire())
	assert.False(t, entry.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, entry.Acquire(ctx), context.DeadlineExceeded)

	entry.Release()
	require.NoError(t, entry.Acquire(context.Background()))
	entry.Release()
}

func TestEntryUsageTracking(t *testing.T) {
	r, _ := newTestRegistry(t)

	entry, err := r.Add(stdioConfig("files"))
	require.NoError(t, err)

	assert.True(t, entry.LastUsed().IsZero())
	assert.Zero(t, entry.Inflight())

	entry.MarkUsed()
	assert.False(t, entry.LastUsed().IsZero())

	entry.BeginRequest()
	assert.Equal(t, int64(1), entry.Inflight())
	entry.EndRequest(true)
	assert.Zero(t, entry.Inflight())
	assert.Equal(t, uint64(1), entry.Runtime().Stats.RequestCount)
}
