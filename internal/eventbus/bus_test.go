package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndCountsDrops(t *testing.T) {
	bus := New()
	fast, unsubFast := bus.Subscribe("amqp", 4)
	defer unsubFast()
	slow, unsubSlow := bus.Subscribe("log", 1)
	defer unsubSlow()

	Publish(bus, TypeBroadcastStarted, BroadcastEvent{JobID: "j1", Total: 3})
	Publish(bus, TypeBroadcastFinished, BroadcastEvent{JobID: "j1", Success: 3})

	e := <-fast
	require.Equal(t, TypeBroadcastStarted, e.Type)
	require.False(t, e.Time.IsZero())
	require.Equal(t, "j1", e.Data.(BroadcastEvent).JobID)
	require.Equal(t, TypeBroadcastFinished, (<-fast).Type)

	require.Equal(t, TypeBroadcastStarted, (<-slow).Type)
	select {
	case e := <-slow:
		t.Fatalf("full subscriber should have missed %s", e.Type)
	default:
	}

	st := bus.Stats()
	require.Equal(t, uint64(2), st.Published)
	require.Equal(t, []SubscriberStats{
		{Name: "amqp", Delivered: 2},
		{Name: "log", Delivered: 1, Dropped: 1},
	}, st.Subscribers)
}

func TestUnsubscribeClosesAndDetaches(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe("sink", 0)
	unsub()
	unsub()

	_, open := <-ch
	require.False(t, open)

	bus.Publish(Event{Type: TypeChannelLost})
	require.Empty(t, bus.Stats().Subscribers)
	require.Equal(t, uint64(1), bus.Stats().Published)
}

func TestPublishNilBus(t *testing.T) {
	require.NotPanics(t, func() { Publish(nil, TypeChannelConnected, ChannelEvent{ChatID: -1}) })
}
