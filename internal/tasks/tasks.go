// Package tasks implements the background workers that drive the engine
// once packets start arriving: the janitor sweeps stale state, the prober
// actively pings peers lacking an ICMP sample, and the event processor
// drains the capture event bus into fingerprint analysis and republishes
// the result to any attached sink.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ringtrace/ringtrace/internal/eventbus"
	"github.com/ringtrace/ringtrace/internal/fingerprint"
	"github.com/ringtrace/ringtrace/internal/metrics"
	"github.com/ringtrace/ringtrace/internal/rtt"
	"github.com/ringtrace/ringtrace/internal/sink"
)

// worker is the Start/Stop/IsRunning lifecycle shared by every task in
// this package.
type worker struct {
	running atomic.Bool
	wg      sync.WaitGroup

	cancel   context.CancelFunc
	cancelMu sync.RWMutex
}

func (w *worker) start(ctx context.Context, run func(context.Context)) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		run(ctx)
		w.running.Store(false)
	}()
}

func (w *worker) stop() {
	w.cancelMu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.cancelMu.Unlock()
	w.wg.Wait()
}

func (w *worker) isRunning() bool {
	return w.running.Load()
}

// ConnectionTable is the subset of conntrack.Table the janitor needs.
type ConnectionTable interface {
	CleanupOld(maxAge time.Duration) int
	Len() int
}

// RTTTracker is the subset of rtt.Tracker the janitor and prober need.
type RTTTracker interface {
	CleanupStale(maxAge time.Duration) int
	All() map[string]rtt.Measurement
	PingAll(ctx context.Context, targets []string, maxInFlight int) map[string]float64
}

// FingerprintEngine is the subset of fingerprint.Engine the janitor and
// event processor need.
type FingerprintEngine interface {
	CleanupStale(ctx context.Context, maxAge time.Duration) int
	AnalyzeIP(ctx context.Context, ip string, forcePing bool) *fingerprint.Fingerprint
}

// StoreCleaner is the subset of store.Store the janitor needs to expire
// rows that outlived the on-disk retention window.
type StoreCleaner interface {
	CleanupOldFingerprints(ctx context.Context, maxAge time.Duration) (int, error)
}

// Janitor periodically evicts stale connections, pending handshakes, and
// fingerprints.
type Janitor struct {
	worker
	log         *slog.Logger
	clock       clockwork.Clock
	interval    time.Duration
	connTimeout time.Duration
	fpMaxAge    time.Duration

	conns ConnectionTable
	rtt   RTTTracker
	fps   FingerprintEngine
	store StoreCleaner
}

// NewJanitor builds a Janitor. interval is how often it sweeps;
// connTimeout and fpMaxAge bound connection and fingerprint staleness.
// store may be nil, in which case only in-memory state is swept.
func NewJanitor(log *slog.Logger, conns ConnectionTable, rttTracker RTTTracker, fps FingerprintEngine, store StoreCleaner, interval, connTimeout, fpMaxAge time.Duration, clock clockwork.Clock) *Janitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Janitor{
		log:         log,
		clock:       clock,
		interval:    interval,
		connTimeout: connTimeout,
		fpMaxAge:    fpMaxAge,
		conns:       conns,
		rtt:         rttTracker,
		fps:         fps,
		store:       store,
	}
}

// Start launches the janitor's run loop in the background.
func (j *Janitor) Start(ctx context.Context) { j.start(ctx, j.Run) }

// Stop cancels the janitor and waits for its loop to exit.
func (j *Janitor) Stop() { j.stop() }

// IsRunning reports whether the janitor's loop is active.
func (j *Janitor) IsRunning() bool { return j.isRunning() }

// Run sweeps immediately, then on every interval tick, until ctx is
// canceled.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Info("janitor: started", "interval", j.interval)
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			j.log.Debug("janitor: stopped")
			return
		case <-ticker.Chan():
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	removedConns := j.conns.CleanupOld(j.connTimeout)
	removedSyns := j.rtt.CleanupStale(0)
	removedFPs := j.fps.CleanupStale(ctx, j.fpMaxAge)
	removedRows := 0
	if j.store != nil {
		var err error
		removedRows, err = j.store.CleanupOldFingerprints(ctx, 0)
		if err != nil {
			j.log.Warn("janitor: failed to expire persisted fingerprints", "error", err)
		}
	}
	metrics.ConnectionTableSize.Set(float64(j.conns.Len()))
	j.log.Debug("janitor: sweep complete",
		"removed_connections", removedConns,
		"removed_pending_syns", removedSyns,
		"removed_fingerprints", removedFPs,
		"removed_persisted_fingerprints", removedRows,
	)
}

// Prober periodically re-pings peers that don't yet have an ICMP sample,
// bounded to maxInFlight concurrent probes per tick.
type Prober struct {
	worker
	log         *slog.Logger
	clock       clockwork.Clock
	interval    time.Duration
	maxInFlight int

	rtt RTTTracker
}

// NewProber builds a Prober. interval is how often it scans for peers
// lacking an ICMP sample; maxInFlight bounds concurrent probes per tick.
func NewProber(log *slog.Logger, rttTracker RTTTracker, interval time.Duration, maxInFlight int, clock clockwork.Clock) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxInFlight <= 0 {
		maxInFlight = 20
	}
	return &Prober{log: log, clock: clock, interval: interval, maxInFlight: maxInFlight, rtt: rttTracker}
}

// Start launches the prober's run loop in the background.
func (p *Prober) Start(ctx context.Context) { p.start(ctx, p.Run) }

// Stop cancels the prober and waits for its loop to exit.
func (p *Prober) Stop() { p.stop() }

// IsRunning reports whether the prober's loop is active.
func (p *Prober) IsRunning() bool { return p.isRunning() }

// Run probes immediately, then on every interval tick, until ctx is
// canceled.
func (p *Prober) Run(ctx context.Context) {
	p.log.Info("prober: started", "interval", p.interval, "max_in_flight", p.maxInFlight)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Debug("prober: stopped")
			return
		case <-ticker.Chan():
			p.tick(ctx)
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	measurements := p.rtt.All()
	var targets []string
	for ip, m := range measurements {
		if _, ok := m.ICMPRTT(); !ok {
			targets = append(targets, ip)
		}
	}
	if len(targets) == 0 {
		return
	}

	results := p.rtt.PingAll(ctx, targets, p.maxInFlight)
	p.log.Debug("prober: tick complete", "targets", len(targets), "responded", len(results))
}

// EventProcessor drains a capture event bus, runs fingerprint analysis on
// new-connection and RTT-update events, and republishes the result to an
// optional sink.
type EventProcessor struct {
	worker
	log    *slog.Logger
	clock  clockwork.Clock
	events *eventbus.Bus
	fps    FingerprintEngine
	sink   *sink.Bus
}

// NewEventProcessor builds an EventProcessor. sinkBus may be nil, in which
// case analysis results are computed but not republished.
func NewEventProcessor(log *slog.Logger, events *eventbus.Bus, fps FingerprintEngine, sinkBus *sink.Bus, clock clockwork.Clock) *EventProcessor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EventProcessor{log: log, clock: clock, events: events, fps: fps, sink: sinkBus}
}

// Start launches the event processor's run loop in the background.
func (e *EventProcessor) Start(ctx context.Context) { e.start(ctx, e.Run) }

// Stop cancels the event processor and waits for its loop to exit.
func (e *EventProcessor) Stop() { e.stop() }

// IsRunning reports whether the event processor's loop is active.
func (e *EventProcessor) IsRunning() bool { return e.isRunning() }

// Run drains events until ctx is canceled or the event channel closes.
func (e *EventProcessor) Run(ctx context.Context) {
	e.log.Info("event-processor: started")
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("event-processor: stopped")
			return
		case ev, ok := <-e.events.Events():
			if !ok {
				return
			}
			e.handle(ctx, ev)
		}
	}
}

func (e *EventProcessor) handle(ctx context.Context, ev eventbus.Event) {
	fp := e.fps.AnalyzeIP(ctx, ev.Peer, false)
	metrics.FingerprintsAnalyzed.Inc()
	metrics.FingerprintConfidence.Observe(fp.Confidence)
	if fp.IsVPNLikely {
		metrics.VPNLikelyTotal.Inc()
	}

	if e.sink == nil {
		return
	}
	if ev.Type == eventbus.NewConnection {
		e.sink.PublishConnection(sink.ConnectionEvent{SourceIP: ev.Peer, ObservedAt: e.clock.Now()})
	}
	e.sink.Publish(sink.FingerprintUpdate{Fingerprint: fp, UpdatedAt: e.clock.Now()})
}
