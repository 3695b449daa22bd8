package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, bus *Bus, ctx context.Context, kinds ...Kind) (func() []Event, chan struct{}) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	notify := make(chan struct{}, 16)
	bus.Subscribe(ctx, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		notify <- struct{}{}
	}, kinds...)
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}, notify
}

func wait(t *testing.T, ch chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func TestBusDeliversByKind(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channelEvents, chNotify := collect(t, bus, ctx, ChannelOpened, ChannelClosed)
	allEvents, allNotify := collect(t, bus, ctx)

	bus.Publish(Event{Kind: ConnectionRegistered, ConnectionID: "a", Role: "server"})
	bus.Publish(Event{Kind: ChannelOpened, ChannelID: "c", From: "b", To: "a"})
	bus.Publish(Event{Kind: ChannelClosed, ChannelID: "c", Reason: "close"})

	wait(t, chNotify, 2)
	wait(t, allNotify, 3)

	got := channelEvents()
	require.Len(t, got, 2)
	assert.Equal(t, ChannelOpened, got[0].Kind)
	assert.Equal(t, ChannelClosed, got[1].Kind)
	assert.False(t, got[0].Time.IsZero(), "publish stamps the time")

	all := allEvents()
	require.Len(t, all, 3)
	assert.Equal(t, ConnectionRegistered, all[0].Kind)
	assert.Equal(t, "server", all[0].Role)
}

func TestBusSubscriptionEndsWithContext(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	got, notify := collect(t, bus, ctx, ConnectionClosed)

	bus.Publish(Event{Kind: ConnectionClosed, ConnectionID: "x"})
	wait(t, notify, 1)

	cancel()
	time.Sleep(50 * time.Millisecond)
	bus.Publish(Event{Kind: ConnectionClosed, ConnectionID: "y"})
	time.Sleep(50 * time.Millisecond)

	require.Len(t, got(), 1)
}

func TestBusPublishAfterShutdownIsDropped(t *testing.T) {
	bus := NewBus(1, nil)
	bus.Shutdown()
	bus.Shutdown()

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Kind: ChannelOpened})
		bus.Subscribe(context.Background(), func(Event) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Shutdown")
	}
}
