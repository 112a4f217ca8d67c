package tasks

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ringtrace/ringtrace/internal/eventbus"
	"github.com/ringtrace/ringtrace/internal/fingerprint"
	"github.com/ringtrace/ringtrace/internal/rtt"
	"github.com/ringtrace/ringtrace/internal/sink"
)

func newLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConnTable struct {
	cleanupCalls int
	cleanupArg   time.Duration
	length       int
}

func (f *fakeConnTable) CleanupOld(maxAge time.Duration) int {
	f.cleanupCalls++
	f.cleanupArg = maxAge
	return 3
}
func (f *fakeConnTable) Len() int { return f.length }

type fakeRTT struct {
	cleanupCalls  int
	allResult     map[string]rtt.Measurement
	pingAllCalls  int
	pingAllResult map[string]float64
}

func (f *fakeRTT) CleanupStale(maxAge time.Duration) int { f.cleanupCalls++; return 2 }
func (f *fakeRTT) All() map[string]rtt.Measurement { return f.allResult }
func (f *fakeRTT) PingAll(ctx context.Context, targets []string, maxInFlight int) map[string]float64 {
	f.pingAllCalls++
	return f.pingAllResult
}

type fakeStoreCleaner struct {
	cleanupCalls int
}

func (f *fakeStoreCleaner) CleanupOldFingerprints(ctx context.Context, maxAge time.Duration) (int, error) {
	f.cleanupCalls++
	return 0, nil
}

type fakeEngine struct {
	cleanupCalls int
	analyzeCalls int
	result       *fingerprint.Fingerprint
}

func (f *fakeEngine) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	f.cleanupCalls++
	return 1
}
func (f *fakeEngine) AnalyzeIP(ctx context.Context, ip string, forcePing bool) *fingerprint.Fingerprint {
	f.analyzeCalls++
	if f.result != nil {
		return f.result
	}
	return &fingerprint.Fingerprint{IP: ip}
}

func TestJanitor_Run_SweepsImmediatelyAndOnTick(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	conns := &fakeConnTable{}
	tracker := &fakeRTT{}
	engine := &fakeEngine{}

	db := &fakeStoreCleaner{}
	j := NewJanitor(newLog(), conns, tracker, engine, db, time.Minute, 5*time.Minute, time.Hour, clock)

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	require.Eventually(t, func() bool { return conns.cleanupCalls >= 1 }, time.Second, time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return conns.cleanupCalls >= 2 }, time.Second, time.Millisecond)

	cancel()
	j.Stop()
	require.False(t, j.IsRunning())
	require.GreaterOrEqual(t, db.cleanupCalls, 1)
	require.GreaterOrEqual(t, engine.cleanupCalls, 1)
	require.GreaterOrEqual(t, tracker.cleanupCalls, 1)
}

func TestJanitor_Start_IsIdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	j := NewJanitor(newLog(), &fakeConnTable{}, &fakeRTT{}, &fakeEngine{}, nil, time.Minute, time.Minute, time.Hour, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j.Start(ctx)
	j.Start(ctx) // second call is a no-op
	require.True(t, j.IsRunning())
	j.Stop()
}

func TestProber_Tick_OnlyPingsPeersMissingICMPSample(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	tracker := &fakeRTT{
		allResult: map[string]rtt.Measurement{
			"1.1.1.1": {TCPSamples: []float64{10}},
			"2.2.2.2": {TCPSamples: []float64{10}, ICMPSamples: []float64{5}},
		},
		pingAllResult: map[string]float64{"1.1.1.1": 8},
	}

	p := NewProber(newLog(), tracker, time.Minute, 10, clock)
	p.tick(context.Background())

	require.Equal(t, 1, tracker.pingAllCalls)
}

func TestProber_Tick_SkipsPingAllWhenNoTargets(t *testing.T) {
	t.Parallel()

	tracker := &fakeRTT{
		allResult: map[string]rtt.Measurement{
			"2.2.2.2": {TCPSamples: []float64{10}, ICMPSamples: []float64{5}},
		},
	}

	p := NewProber(newLog(), tracker, time.Minute, 10, clockwork.NewFakeClock())
	p.tick(context.Background())

	require.Equal(t, 0, tracker.pingAllCalls)
}

func TestEventProcessor_Run_AnalyzesAndPublishes(t *testing.T) {
	t.Parallel()

	events := eventbus.New(4)
	engine := &fakeEngine{result: &fingerprint.Fingerprint{IP: "9.9.9.9", IsVPNLikely: true}}
	sinkBus := sink.New(4)
	sub := sinkBus.Subscribe()

	ep := NewEventProcessor(newLog(), events, engine, sinkBus, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	ep.Start(ctx)

	events.Publish(eventbus.Event{Type: eventbus.NewConnection, Peer: "9.9.9.9"})

	require.Eventually(t, func() bool { return engine.analyzeCalls >= 1 }, time.Second, time.Millisecond)

	select {
	case update := <-sub.Updates():
		require.Equal(t, "9.9.9.9", update.Fingerprint.IP)
	case <-time.After(time.Second):
		t.Fatal("expected a published fingerprint update")
	}

	cancel()
	ep.Stop()
	require.False(t, ep.IsRunning())
}

func TestEventProcessor_Run_ExitsWhenBusClosed(t *testing.T) {
	t.Parallel()

	events := eventbus.New(4)
	engine := &fakeEngine{}

	ep := NewEventProcessor(newLog(), events, engine, nil, clockwork.NewFakeClock())
	ep.Start(context.Background())

	events.Close()
	require.Eventually(t, func() bool { return !ep.IsRunning() }, time.Second, time.Millisecond)
}
