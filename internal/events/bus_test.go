package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewBus(t *testing.T) {
	bus := NewBus(zap.NewNop())
	require.NotNil(t, bus)
	assert.False(t, bus.IsClosed())
	assert.Equal(t, 0, bus.HistoryLen())
}

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var got []Event
	bus.Subscribe(TypeStateChange, func(e Event) {
		got = append(got, e)
	})

	bus.Publish(Event{
		Type:       TypeStateChange,
		ServerName: "files",
		Data:       map[string]any{"old_state": "stopped", "new_state": "starting"},
	})

	require.Len(t, got, 1)
	assert.Equal(t, TypeStateChange, got[0].Type)
	assert.Equal(t, "files", got[0].ServerName)
	assert.Equal(t, SeverityInfo, got[0].Severity, "severity should default to info")
	assert.False(t, got[0].Timestamp.IsZero(), "timestamp should be set automatically")
}

func TestDispatchOrderIsSubscriptionOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		bus.Subscribe(TypeCommandResult, func(Event) {
			order = append(order, i)
		})
	}

	bus.Publish(Event{Type: TypeCommandResult})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestHandlerPanicIsolation(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	var delivered bool
	bus.Subscribe(TypeError, func(Event) {
		panic("boom")
	})
	bus.Subscribe(TypeError, func(Event) {
		delivered = true
	})

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeError})
	})
	assert.True(t, delivered, "panicking handler must not block later subscribers")
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.SubscribeChan(TypeHealthCheck)

	bus.Publish(Event{Type: TypeHealthCheck, ServerName: "files"})
	bus.Publish(Event{Type: TypeStateChange, ServerName: "files"})

	select {
	case e := <-ch:
		assert.Equal(t, TypeHealthCheck, e.Type)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event of type %s", e.Type)
	default:
	}
}

func TestSubscribeChanAllTypes(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.SubscribeChan()

	bus.Publish(Event{Type: TypeHealthCheck})
	bus.Publish(Event{Type: TypeStateChange})

	assert.Equal(t, TypeHealthCheck, (<-ch).Type)
	assert.Equal(t, TypeStateChange, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	ch := bus.SubscribeChan(TypeStateChange)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel should be closed")
}

func TestHistoryRetention(t *testing.T) {
	const retention = 10
	bus := NewBus(zap.NewNop(), WithRetention(retention))
	defer bus.Close()

	for i := 0; i < 25; i++ {
		bus.Publish(Event{
			Type: TypeStateChange,
			Data: map[string]any{"seq": i},
		})
	}

	history := bus.History(HistoryFilter{})
	require.Len(t, history, retention)

	// Exactly the most recent R events, in publish order.
	for i, e := range history {
		assert.Equal(t, 15+i, e.Data["seq"])
	}
}

func TestHistoryFilterAndPaging(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	for i := 0; i < 6; i++ {
		name := "a"
		if i%2 == 1 {
			name = "b"
		}
		bus.Publish(Event{
			Type:       TypeHealthCheck,
			ServerName: name,
			Data:       map[string]any{"seq": i},
		})
	}
	bus.Publish(Event{Type: TypeStateChange, ServerName: "a"})

	got := bus.History(HistoryFilter{Types: []Type{TypeHealthCheck}, ServerName: "a"})
	require.Len(t, got, 3)

	paged := bus.History(HistoryFilter{Types: []Type{TypeHealthCheck}, ServerName: "a", Limit: 1, Offset: 1})
	require.Len(t, paged, 1)
	assert.Equal(t, 2, paged[0].Data["seq"])

	assert.Empty(t, bus.History(HistoryFilter{Offset: 100}))
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(zap.NewNop(), WithRetention(10000))
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeStateChange, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(Event{
					Type:       TypeStateChange,
					ServerName: fmt.Sprintf("server-%d", i),
				})
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, count)
	assert.Equal(t, 1000, bus.HistoryLen())
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	ch := bus.SubscribeChan()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op.
	bus.Publish(Event{Type: TypeStateChange})
	assert.Equal(t, 0, bus.HistoryLen())

	// Subscribing after close returns a closed channel.
	ch2 := bus.SubscribeChan(TypeStateChange)
	_, open = <-ch2
	assert.False(t, open)
}

func TestPublishDuringUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	defer bus.Close()

	// Publishers race channel churn: a send must never hit a channel that
	// Unsubscribe or Close has already closed.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(Event{Type: TypeStateChange, ServerName: "churn"})
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		ch := bus.SubscribeChan(TypeStateChange)
		// Drain a little so the buffer is in active use when it closes.
		for j := 0; j < 3; j++ {
			select {
			case <-ch:
			default:
			}
		}
		bus.Unsubscribe(ch)
	}

	close(stop)
	wg.Wait()
}
