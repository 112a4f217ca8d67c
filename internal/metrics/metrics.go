// Package metrics defines the Prometheus instruments exposed by every
// ringtrace subsystem. Exposing them over HTTP is left to the caller; this
// package only registers the collectors so an external scraper can attach.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringtrace_capture_packets_observed_total",
		Help: "Total number of TCP packets observed by the capture worker",
	})

	ConnectionsTracked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringtrace_capture_connections_tracked_total",
		Help: "Total number of distinct connections added to the connection table",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringtrace_events_dropped_total",
		Help: "Total number of events dropped due to a full channel buffer",
	}, []string{"channel"})

	HandshakesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringtrace_rtt_handshakes_matched_total",
		Help: "Total number of SYN/SYN-ACK pairs matched into a TCP RTT sample",
	})

	PingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringtrace_rtt_ping_attempts_total",
		Help: "Total number of active ICMP probes issued, by outcome",
	}, []string{"outcome"}) // success, failure, timeout

	GeolocationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringtrace_geo_lookups_total",
		Help: "Total number of geolocation lookups, by resolving tier",
	}, []string{"tier"}) // cache, local_db, provider_a, provider_b, miss, private

	FingerprintsAnalyzed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringtrace_fingerprint_analyzed_total",
		Help: "Total number of AnalyzeIP calls completed",
	})

	FingerprintConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ringtrace_fingerprint_confidence",
		Help:    "Distribution of computed fingerprint confidence scores",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	VPNLikelyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ringtrace_fingerprint_vpn_likely_total",
		Help: "Total number of fingerprints flagged as VPN-likely",
	})

	ConnectionTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ringtrace_capture_connection_table_size",
		Help: "Current number of tracked connections",
	})
)
