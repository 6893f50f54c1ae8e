package eventstream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub-go/internal/events"
)

func dialStream(t *testing.T, m *Manager, query string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestStreamDeliversEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	m := NewManager(bus, zap.NewNop())
	defer m.Close()

	conn := dialStream(t, m, "")

	require.Eventually(t, func() bool { return m.ActiveClients() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.Publish(events.Event{
		Type:       events.TypeStateChange,
		ServerName: "files",
		Data:       map[string]any{"new_state": "running"},
	})

	event := readEvent(t, conn)
	assert.Equal(t, events.TypeStateChange, event.Type)
	assert.Equal(t, "files", event.ServerName)
}

func TestStreamFiltersTypesAndServer(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	m := NewManager(bus, zap.NewNop())
	defer m.Close()

	conn := dialStream(t, m, "?types=health_check&server=alpha")

	require.Eventually(t, func() bool { return m.ActiveClients() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Neither of these should reach the client.
	bus.Publish(events.Event{Type: events.TypeStateChange, ServerName: "alpha"})
	bus.Publish(events.Event{Type: events.TypeHealthCheck, ServerName: "beta"})
	// This one should.
	bus.Publish(events.Event{
		Type:       events.TypeHealthCheck,
		ServerName: "alpha",
		Data:       map[string]any{"healthy": true},
	})

	event := readEvent(t, conn)
	assert.Equal(t, events.TypeHealthCheck, event.Type)
	assert.Equal(t, "alpha", event.ServerName)
}

func TestClientDisconnectCleansUp(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	m := NewManager(bus, zap.NewNop())
	defer m.Close()

	conn := dialStream(t, m, "")
	require.Eventually(t, func() bool { return m.ActiveClients() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return m.ActiveClients() == 0 },
		2*time.Second, 10*time.Millisecond)
}
