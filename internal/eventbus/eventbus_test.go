package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_Publish_DeliversWithinCapacity(t *testing.T) {
	t.Parallel()

	bus := New(2)
	require.True(t, bus.Publish(Event{Type: NewConnection, Peer: "1.1.1.1"}))
	require.True(t, bus.Publish(Event{Type: RTTUpdate, Peer: "1.1.1.1", TCPRTT: 12.5}))

	first := <-bus.Events()
	require.Equal(t, NewConnection, first.Type)

	second := <-bus.Events()
	require.Equal(t, RTTUpdate, second.Type)
	require.Equal(t, 12.5, second.TCPRTT)
}

func TestBus_Publish_DropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := New(1)
	require.True(t, bus.Publish(Event{Type: NewConnection, Peer: "a"}))
	require.False(t, bus.Publish(Event{Type: NewConnection, Peer: "b"}))
	require.Equal(t, uint64(1), bus.Dropped())

	<-bus.Events()
	require.True(t, bus.Publish(Event{Type: NewConnection, Peer: "c"}))
}

func TestBus_DefaultsCapacityWhenNonPositive(t *testing.T) {
	t.Parallel()

	bus := New(0)
	require.NotNil(t, bus.Events())
}
