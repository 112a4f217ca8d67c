// Package rtt tracks per-peer round-trip-time samples gathered two ways:
// passively from TCP handshake timing, and actively via ICMP ping. Both
// feed into the fingerprint engine's VPN-likelihood estimate.
package rtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/ringtrace/ringtrace/internal/metrics"
)

const (
	maxTCPSamples  = 100
	maxICMPSamples = 20
	pingCacheTTL   = 60 * time.Second
	synStaleAge    = 30 * time.Second
)

// Measurement holds the rolling sample windows for one IP.
type Measurement struct {
	TCPSamples  []float64
	ICMPSamples []float64
	LastUpdated time.Time
}

// TCPRTT is the best (minimum) TCP handshake RTT observed, in milliseconds.
func (m Measurement) TCPRTT() (float64, bool) {
	return minOf(m.TCPSamples)
}

// ICMPRTT is the best (minimum) ICMP echo RTT observed, in milliseconds.
func (m Measurement) ICMPRTT() (float64, bool) {
	return minOf(m.ICMPSamples)
}

// Difference is TCPRTT - ICMPRTT, clamped at zero since a VPN tunnel can
// only add latency relative to the direct path.
func (m Measurement) Difference() (float64, bool) {
	tcp, ok := m.TCPRTT()
	if !ok {
		return 0, false
	}
	icmp, ok := m.ICMPRTT()
	if !ok {
		return 0, false
	}
	diff := tcp - icmp
	if diff < 0 {
		diff = 0
	}
	return diff, true
}

func minOf(samples []float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	min := samples[0]
	for _, s := range samples[1:] {
		if s < min {
			min = s
		}
	}
	return min, true
}

type synKey struct {
	srcIP   string
	srcPort int
	dstIP   string
	dstPort int
}

// Tracker correlates TCP handshake timestamps and ICMP probes into
// per-IP Measurements. A Tracker is safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	measurements map[string]*Measurement
	pendingSyns  map[synKey]time.Time

	pingCache     map[string]float64
	pingCacheTime map[string]time.Time

	clock       clockwork.Clock
	pingCount   int
	pingTimeout time.Duration
	runPing     func(ctx context.Context, ip string, count int, timeout time.Duration) (float64, error)
}

// Option configures a Tracker constructed by New.
type Option func(*Tracker)

// WithClock overrides the Tracker's time source, for deterministic tests.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithPingRunner overrides how ICMP probes are executed, for tests that
// don't want to send real echo requests.
func WithPingRunner(fn func(ctx context.Context, ip string, count int, timeout time.Duration) (float64, error)) Option {
	return func(t *Tracker) { t.runPing = fn }
}

// New builds a Tracker. pingCount and pingTimeout parameterize every
// active probe issued via PingIP.
func New(pingCount int, pingTimeout time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		measurements:  make(map[string]*Measurement),
		pendingSyns:   make(map[synKey]time.Time),
		pingCache:     make(map[string]float64),
		pingCacheTime: make(map[string]time.Time),
		clock:         clockwork.NewRealClock(),
		pingCount:     pingCount,
		pingTimeout:   pingTimeout,
	}
	t.runPing = runICMPProbe
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSyn notes that a SYN was observed from src to dst, starting the
// clock on a handshake RTT measurement.
func (t *Tracker) RecordSyn(srcIP string, srcPort int, dstIP string, dstPort int) {
	key := synKey{srcIP, srcPort, dstIP, dstPort}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingSyns[key] = t.clock.Now()
}

// RecordSynAck notes that a SYN-ACK was observed flowing back from src to
// dst, completing the handshake RTT measurement started by the matching
// RecordSyn (looked up under the reversed key, since the response swaps
// endpoints). The sample is recorded against the SYN-ACK's sender — the
// remote peer whose path is being measured.
func (t *Tracker) RecordSynAck(srcIP string, srcPort int, dstIP string, dstPort int) (float64, bool) {
	key := synKey{dstIP, dstPort, srcIP, srcPort}
	t.mu.Lock()
	defer t.mu.Unlock()

	synTime, ok := t.pendingSyns[key]
	if !ok {
		return 0, false
	}
	delete(t.pendingSyns, key)

	rttMS := float64(t.clock.Now().Sub(synTime)) / float64(time.Millisecond)
	t.addTCPSampleLocked(srcIP, rttMS)
	metrics.HandshakesMatched.Inc()
	return rttMS, true
}

func (t *Tracker) addTCPSampleLocked(ip string, rttMS float64) {
	m := t.measurementLocked(ip)
	m.TCPSamples = append(m.TCPSamples, rttMS)
	if len(m.TCPSamples) > maxTCPSamples {
		m.TCPSamples = m.TCPSamples[len(m.TCPSamples)-maxTCPSamples:]
	}
	m.LastUpdated = t.clock.Now()
}

func (t *Tracker) addICMPSampleLocked(ip string, rttMS float64) {
	m := t.measurementLocked(ip)
	m.ICMPSamples = append(m.ICMPSamples, rttMS)
	if len(m.ICMPSamples) > maxICMPSamples {
		m.ICMPSamples = m.ICMPSamples[len(m.ICMPSamples)-maxICMPSamples:]
	}
	m.LastUpdated = t.clock.Now()
}

func (t *Tracker) measurementLocked(ip string) *Measurement {
	m, ok := t.measurements[ip]
	if !ok {
		m = &Measurement{}
		t.measurements[ip] = m
	}
	return m
}

// Get returns a by-value copy of the Measurement tracked for ip.
func (t *Tracker) Get(ip string) Measurement {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.measurements[ip]
	if !ok {
		return Measurement{}
	}
	return copyMeasurement(*m)
}

// All returns a by-value copy of every tracked Measurement, keyed by IP.
func (t *Tracker) All() map[string]Measurement {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Measurement, len(t.measurements))
	for ip, m := range t.measurements {
		out[ip] = copyMeasurement(*m)
	}
	return out
}

func copyMeasurement(m Measurement) Measurement {
	out := Measurement{LastUpdated: m.LastUpdated}
	out.TCPSamples = append(out.TCPSamples, m.TCPSamples...)
	out.ICMPSamples = append(out.ICMPSamples, m.ICMPSamples...)
	return out
}

// CleanupStale drops pending SYNs that never received a SYN-ACK within
// maxAge, so they don't accumulate forever for hosts that stop responding
// mid-handshake. maxAge of zero uses the default of 30s.
func (t *Tracker) CleanupStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = synStaleAge
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, v := range t.pendingSyns {
		if now.Sub(v) > maxAge {
			delete(t.pendingSyns, k)
			removed++
		}
	}
	return removed
}

// PingIP actively measures ICMP RTT to ip via an echo probe, caching the
// result for pingCacheTTL unless force is set. Returns false if the probe
// failed.
func (t *Tracker) PingIP(ctx context.Context, ip string, force bool) (float64, bool) {
	now := t.clock.Now()

	if !force {
		t.mu.Lock()
		cached, ok := t.pingCache[ip]
		cachedAt := t.pingCacheTime[ip]
		t.mu.Unlock()
		if ok && now.Sub(cachedAt) < pingCacheTTL {
			return cached, true
		}
	}

	rttMS, err := t.runPing(ctx, ip, t.pingCount, t.pingTimeout)
	if err != nil {
		if errors.Is(err, errProbeTimeout) || errors.Is(err, context.DeadlineExceeded) {
			metrics.PingAttempts.WithLabelValues("timeout").Inc()
		} else {
			metrics.PingAttempts.WithLabelValues("failure").Inc()
		}
		return 0, false
	}
	metrics.PingAttempts.WithLabelValues("success").Inc()

	t.mu.Lock()
	t.addICMPSampleLocked(ip, rttMS)
	t.pingCache[ip] = rttMS
	t.pingCacheTime[ip] = now
	t.mu.Unlock()

	return rttMS, true
}

// errProbeTimeout marks a probe whose deadline expired with no echo reply,
// so callers can report timeouts separately from other failures.
var errProbeTimeout = errors.New("icmp probe timed out")

// runICMPProbe sends count echo requests to ip and returns the minimum
// observed RTT in milliseconds. Privileged raw-socket mode needs
// CAP_NET_RAW, which the capture path already requires.
func runICMPProbe(ctx context.Context, ip string, count int, timeout time.Duration) (float64, error) {
	if count <= 0 {
		count = 3
	}

	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return 0, fmt.Errorf("create pinger for %s: %w", ip, err)
	}
	defer pinger.Stop()

	pinger.SetPrivileged(true)
	pinger.Count = count
	pinger.Timeout = time.Duration(count)*timeout + 2*time.Second

	cctx, cancel := context.WithTimeout(ctx, pinger.Timeout)
	defer cancel()

	if err := pinger.RunWithContext(cctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("ping %s: %w", ip, errProbeTimeout)
		}
		return 0, fmt.Errorf("ping %s: %w", ip, err)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("ping %s: %w", ip, errProbeTimeout)
	}
	return float64(stats.MinRtt) / float64(time.Millisecond), nil
}

// PingAll probes every ip in targets concurrently, bounded by maxInFlight
// simultaneous pings, and returns the set that responded.
func (t *Tracker) PingAll(ctx context.Context, targets []string, maxInFlight int) map[string]float64 {
	if maxInFlight <= 0 {
		maxInFlight = 20
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]float64, len(targets))

	for _, ip := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			rtt, ok := t.PingIP(ctx, ip, false)
			if !ok {
				return
			}
			mu.Lock()
			results[ip] = rtt
			mu.Unlock()
		}(ip)
	}
	wg.Wait()
	return results
}
