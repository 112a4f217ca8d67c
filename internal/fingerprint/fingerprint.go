// Package fingerprint turns RTT measurements and geolocation data into a
// per-peer VPN likelihood estimate and a ring of candidate real-world
// cities at the inferred extra distance.
package fingerprint

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ringtrace/ringtrace/internal/citydb"
	"github.com/ringtrace/ringtrace/internal/geo"
	"github.com/ringtrace/ringtrace/internal/rtt"
)

const defaultStaleAge = time.Hour

// Fingerprint is the accumulated analysis result for one peer IP.
type Fingerprint struct {
	IP                  string
	Location            *geo.Location
	TCPRTTMS            *float64
	ICMPRTTMS           *float64
	RTTDifferenceMS     *float64
	EstimatedDistanceKM *float64
	PossibleCities      []citydb.Result
	Confidence          float64
	LastUpdated         time.Time
	IsVPNLikely         bool
}

// Store persists and restores Fingerprints. Implemented by internal/store;
// declared here so this package has no dependency on that one.
type Store interface {
	SaveFingerprint(ctx context.Context, fp *Fingerprint) error
	LoadAllFingerprints(ctx context.Context) ([]*Fingerprint, error)
	DeleteFingerprint(ctx context.Context, ip string) error
}

// RingFinder is the subset of citydb.Finder's API the engine needs.
type RingFinder interface {
	NearRing(lat, lon, ringRadiusKM, toleranceKM float64, maxResults int) []citydb.Result
}

// Locator is the subset of geo.Locator's API the engine needs.
type Locator interface {
	Lookup(ctx context.Context, ip string) (*geo.Location, error)
}

// Tracker is the subset of rtt.Tracker's API the engine needs.
type Tracker interface {
	Get(ip string) rtt.Measurement
	PingIP(ctx context.Context, ip string, force bool) (float64, bool)
}

// Engine computes and caches VPN fingerprints for observed peers.
type Engine struct {
	log        *slog.Logger
	rttTracker Tracker
	geoLocator Locator
	cityFinder RingFinder
	store      Store
	clock      clockwork.Clock

	speedOfLightKmMS     float64
	vpnLatencyOffsetMS   float64
	vpnLikelyThresholdMS float64

	mu           sync.Mutex
	fingerprints map[string]*Fingerprint
}

// Option configures an Engine constructed by New.
type Option func(*Engine)

// WithClock overrides the Engine's time source, for deterministic tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithStore attaches a persistence backend. Without one, fingerprints are
// kept in memory only.
func WithStore(store Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithVPNLikelyThreshold sets how many milliseconds the offset-adjusted
// RTT difference must exceed before a peer is flagged VPN-likely. The
// default of 0 flags any positive adjusted difference.
func WithVPNLikelyThreshold(ms float64) Option {
	return func(e *Engine) { e.vpnLikelyThresholdMS = ms }
}

// New builds an Engine. speedOfLightKmMS converts a one-way RTT-derived
// delay into distance; vpnLatencyOffsetMS is subtracted from the raw RTT
// difference before the VPN-likelihood and distance checks.
func New(log *slog.Logger, rttTracker Tracker, geoLocator Locator, cityFinder RingFinder, speedOfLightKmMS, vpnLatencyOffsetMS float64, opts ...Option) *Engine {
	e := &Engine{
		log:                log,
		rttTracker:         rttTracker,
		geoLocator:         geoLocator,
		cityFinder:         cityFinder,
		clock:              clockwork.NewRealClock(),
		speedOfLightKmMS:   speedOfLightKmMS,
		vpnLatencyOffsetMS: vpnLatencyOffsetMS,
		fingerprints:       make(map[string]*Fingerprint),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) rttToDistanceKM(rttMS float64) float64 {
	oneWayMS := rttMS / 2
	return oneWayMS * e.speedOfLightKmMS
}

// calculateConfidence weights sample-count scores for both TCP and ICMP,
// applies a variance penalty on the TCP samples, and boosts the result
// when the raw (pre-offset) RTT difference exceeds 5ms.
func calculateConfidence(m rtt.Measurement) float64 {
	if len(m.TCPSamples) == 0 || len(m.ICMPSamples) == 0 {
		if len(m.ICMPSamples) > 0 {
			return 0.1
		}
		return 0.0
	}

	tcpSampleScore := math.Min(float64(len(m.TCPSamples))/10, 1.0)
	icmpSampleScore := math.Min(float64(len(m.ICMPSamples))/5, 1.0)

	tcpVarianceScore := 0.5
	if len(m.TCPSamples) > 1 {
		best, _ := m.TCPRTT()
		var sumSq float64
		for _, s := range m.TCPSamples {
			d := s - best
			sumSq += d * d
		}
		variance := sumSq / float64(len(m.TCPSamples))
		tcpVarianceScore = math.Max(0, 1-(variance/100))
	}

	confidence := tcpSampleScore*0.4 + icmpSampleScore*0.3 + tcpVarianceScore*0.3

	if rawDiff, ok := m.Difference(); ok && rawDiff > 5 {
		confidence = math.Min(confidence*1.2, 1.0)
	}
	return confidence
}

// AnalyzeIP recomputes the Fingerprint for ip: fetching geolocation (once),
// pinging if no ICMP sample exists yet (or forcePing is set), scoring
// confidence, and — when the offset-adjusted RTT difference exceeds the
// VPN-likely threshold (zero by default) — estimating a VPN tunnel
// distance and the ring of candidate cities at that range.
func (e *Engine) AnalyzeIP(ctx context.Context, ip string, forcePing bool) *Fingerprint {
	measurement := e.rttTracker.Get(ip)

	fp := e.getOrCreate(ip)

	if fp.Location == nil {
		loc, err := e.geoLocator.Lookup(ctx, ip)
		if err != nil {
			e.log.Debug("fingerprint: geolocation lookup failed", "ip", ip, "error", err)
		}
		fp.Location = loc
	}

	if _, ok := measurement.ICMPRTT(); !ok || forcePing {
		e.rttTracker.PingIP(ctx, ip, forcePing)
		measurement = e.rttTracker.Get(ip)
	}

	if tcp, ok := measurement.TCPRTT(); ok {
		fp.TCPRTTMS = &tcp
	} else {
		fp.TCPRTTMS = nil
	}
	if icmp, ok := measurement.ICMPRTT(); ok {
		fp.ICMPRTTMS = &icmp
	} else {
		fp.ICMPRTTMS = nil
	}
	fp.Confidence = calculateConfidence(measurement)
	fp.LastUpdated = e.clock.Now()

	rawDiff, hasDiff := measurement.Difference()
	if hasDiff {
		adjusted := math.Max(0, rawDiff-e.vpnLatencyOffsetMS)
		fp.RTTDifferenceMS = &adjusted
	} else {
		fp.RTTDifferenceMS = nil
	}

	if fp.RTTDifferenceMS != nil && *fp.RTTDifferenceMS > e.vpnLikelyThresholdMS {
		distance := e.rttToDistanceKM(*fp.RTTDifferenceMS)
		fp.EstimatedDistanceKM = &distance
		fp.IsVPNLikely = true

		if fp.Location != nil && distance > 0 {
			tolerance := math.Max(50, distance*0.2)
			fp.PossibleCities = e.cityFinder.NearRing(fp.Location.Latitude, fp.Location.Longitude, distance, tolerance, 10)
		}
	} else {
		fp.IsVPNLikely = false
		fp.EstimatedDistanceKM = nil
		fp.PossibleCities = nil
	}

	e.mu.Lock()
	e.fingerprints[ip] = fp
	e.mu.Unlock()

	e.saveToStore(ctx, fp)

	return fp
}

// getOrCreate returns a detached copy of the stored fingerprint (creating
// it on first sight), so AnalyzeIP never mutates a record a concurrent
// reader might hold. The updated copy replaces the stored one at the end
// of AnalyzeIP.
func (e *Engine) getOrCreate(ip string) *Fingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	fp, ok := e.fingerprints[ip]
	if !ok {
		fp = &Fingerprint{IP: ip, LastUpdated: e.clock.Now()}
		e.fingerprints[ip] = fp
	}
	cp := *fp
	return &cp
}

func (e *Engine) saveToStore(ctx context.Context, fp *Fingerprint) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveFingerprint(ctx, fp); err != nil {
		e.log.Warn("fingerprint: failed to persist fingerprint", "ip", fp.IP, "error", err)
	}
}

// LoadFromStore restores every persisted Fingerprint into memory, returning
// how many were loaded.
func (e *Engine) LoadFromStore(ctx context.Context) int {
	if e.store == nil {
		return 0
	}
	fps, err := e.store.LoadAllFingerprints(ctx)
	if err != nil {
		e.log.Warn("fingerprint: failed to load fingerprints", "error", err)
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, fp := range fps {
		e.fingerprints[fp.IP] = fp
	}
	return len(fps)
}

// Get returns a copy of the cached Fingerprint for ip, if one exists.
func (e *Engine) Get(ip string) (*Fingerprint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fp, ok := e.fingerprints[ip]
	if !ok {
		return nil, false
	}
	cp := *fp
	return &cp, true
}

// All returns a copy of every cached Fingerprint, keyed by IP.
func (e *Engine) All() map[string]*Fingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Fingerprint, len(e.fingerprints))
	for ip, fp := range e.fingerprints {
		cp := *fp
		out[ip] = &cp
	}
	return out
}

// AnalyzeAllActive runs AnalyzeIP over every IP in ips.
func (e *Engine) AnalyzeAllActive(ctx context.Context, ips map[string]struct{}) []*Fingerprint {
	results := make([]*Fingerprint, 0, len(ips))
	for ip := range ips {
		results = append(results, e.AnalyzeIP(ctx, ip, false))
	}
	return results
}

// CleanupStale drops (and, if a Store is attached, deletes) fingerprints
// that haven't been updated in more than maxAge. maxAge of zero uses the
// default of one hour.
func (e *Engine) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = defaultStaleAge
	}
	now := e.clock.Now()

	e.mu.Lock()
	var stale []string
	for ip, fp := range e.fingerprints {
		if now.Sub(fp.LastUpdated) > maxAge {
			stale = append(stale, ip)
		}
	}
	for _, ip := range stale {
		delete(e.fingerprints, ip)
	}
	e.mu.Unlock()

	if e.store != nil {
		for _, ip := range stale {
			if err := e.store.DeleteFingerprint(ctx, ip); err != nil {
				e.log.Warn("fingerprint: failed to delete stale fingerprint", "ip", ip, "error", err)
			}
		}
	}
	return len(stale)
}
