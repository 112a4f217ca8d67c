package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringtrace/ringtrace/internal/fingerprint"
)

func TestBus_PublishConnection_NoSubscribersReturnsFalse(t *testing.T) {
	t.Parallel()

	bus := New(4)
	ok := bus.PublishConnection(ConnectionEvent{SourceIP: "1.2.3.4"})
	require.False(t, ok)
}

func TestBus_PublishConnection_DeliversToSubscriber(t *testing.T) {
	t.Parallel()

	bus := New(4)
	sub := bus.Subscribe()

	ev := ConnectionEvent{SourceIP: "1.2.3.4", DestinationIP: "5.6.7.8", ObservedAt: time.Now()}
	ok := bus.PublishConnection(ev)
	require.True(t, ok)

	select {
	case got := <-sub.Connections():
		require.Equal(t, ev.SourceIP, got.SourceIP)
		require.Equal(t, ev.DestinationIP, got.DestinationIP)
	default:
		t.Fatal("expected a buffered connection event")
	}
}

func TestBus_Publish_FanOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(4)
	subA := bus.Subscribe()
	subB := bus.Subscribe()

	update := FingerprintUpdate{Fingerprint: &fingerprint.Fingerprint{IP: "9.9.9.9"}, UpdatedAt: time.Now()}
	bus.Publish(update)

	gotA := <-subA.Updates()
	gotB := <-subB.Updates()
	require.Equal(t, "9.9.9.9", gotA.Fingerprint.IP)
	require.Equal(t, "9.9.9.9", gotB.Fingerprint.IP)
}

func TestBus_Publish_DropsWhenSubscriberBufferFull(t *testing.T) {
	t.Parallel()

	bus := New(1)
	sub := bus.Subscribe()

	bus.Publish(FingerprintUpdate{Fingerprint: &fingerprint.Fingerprint{IP: "1.1.1.1"}})
	bus.Publish(FingerprintUpdate{Fingerprint: &fingerprint.Fingerprint{IP: "2.2.2.2"}})

	require.Equal(t, uint64(1), bus.DroppedUpdates())
	got := <-sub.Updates()
	require.Equal(t, "1.1.1.1", got.Fingerprint.IP)
}

func TestSubscription_Unsubscribe_ClosesChannels(t *testing.T) {
	t.Parallel()

	bus := New(4)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Unsubscribe()
	require.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.Connections()
	require.False(t, ok)

	sub.Unsubscribe() // idempotent
}

func TestBus_SubscriberCount(t *testing.T) {
	t.Parallel()

	bus := New(4)
	require.Equal(t, 0, bus.SubscriberCount())
	sub1 := bus.Subscribe()
	bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	sub1.Unsubscribe()
	require.Equal(t, 1, bus.SubscriberCount())
}
