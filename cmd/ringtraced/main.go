// Command ringtraced wires the capture, RTT tracking, geolocation,
// fingerprinting, and persistence components into a running service. It is
// a thin bootstrap: all decisions live in the packages it constructs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/ringtrace/ringtrace/internal/capture"
	"github.com/ringtrace/ringtrace/internal/citydb"
	"github.com/ringtrace/ringtrace/internal/config"
	"github.com/ringtrace/ringtrace/internal/conntrack"
	"github.com/ringtrace/ringtrace/internal/eventbus"
	"github.com/ringtrace/ringtrace/internal/fingerprint"
	"github.com/ringtrace/ringtrace/internal/geo"
	"github.com/ringtrace/ringtrace/internal/logging"
	"github.com/ringtrace/ringtrace/internal/rtt"
	"github.com/ringtrace/ringtrace/internal/sink"
	"github.com/ringtrace/ringtrace/internal/store"
	"github.com/ringtrace/ringtrace/internal/tasks"
)

// Set by LDFLAGS.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(os.Stderr, cfg.Verbose)
	log.Info("ringtraced starting", "version", version, "commit", commit, "date", date)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %q: %w", cfg.DataDir, err)
	}

	db, err := store.Open(store.Config{Logger: log.With("component", "store"), Path: cfg.DBPath()})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	cityFinder, err := citydb.New(cfg.MinCityPopulation)
	if err != nil {
		return fmt.Errorf("load city dataset: %w", err)
	}
	log.Info("city dataset loaded", "cities", cityFinder.Count())

	providers := buildGeoProviders(log, cfg)
	locator := geo.New(log.With("component", "geo"), providers...)
	defer locator.Close()
	if restored := locator.AttachStore(context.Background(), db, 0); restored > 0 {
		log.Info("geo cache restored from store", "count", restored)
	}

	rttTracker := rtt.New(cfg.PingCount, cfg.PingTimeout)
	conns := conntrack.NewTable(clockwork.NewRealClock(), cfg.MaxConnections)
	events := eventbus.New(1024)
	sinkBus := sink.New(256)

	engine := fingerprint.New(
		log.With("component", "fingerprint"),
		rttTracker, locator, cityFinder,
		cfg.SpeedOfLightKmMS, cfg.VPNLatencyOffsetMS,
		fingerprint.WithStore(db),
		fingerprint.WithVPNLikelyThreshold(cfg.VPNLikelyThresholdMS),
	)
	if loaded := engine.LoadFromStore(context.Background()); loaded > 0 {
		log.Info("fingerprints restored from store", "count", loaded)
	}

	observer := capture.New(log.With("component", "capture"), cfg.Interface, cfg.PortFilter, conns, rttTracker, events)

	janitor := tasks.NewJanitor(log.With("component", "janitor"), conns, rttTracker, engine, db,
		cfg.JanitorInterval, cfg.ConnectionTimeout, 0, clockwork.NewRealClock())
	prober := tasks.NewProber(log.With("component", "prober"), rttTracker,
		cfg.ProberInterval, cfg.MaxConcurrentPings, clockwork.NewRealClock())
	eventProcessor := tasks.NewEventProcessor(log.With("component", "event-processor"), events, engine, sinkBus, clockwork.NewRealClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	observer.Start(ctx)
	janitor.Start(ctx)
	prober.Start(ctx)
	eventProcessor.Start(ctx)

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	stopAll(shutdownCtx, observer.Stop, janitor.Stop, prober.Stop, eventProcessor.Stop)

	log.Info("ringtraced shutdown complete")
	return nil
}

// stopAll calls the stop funcs one after another on a separate goroutine
// and waits up to ctx's deadline for all of them to finish.
func stopAll(ctx context.Context, stops ...func()) {
	done := make(chan struct{})
	go func() {
		for _, stop := range stops {
			stop()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// buildGeoProviders assembles the geolocation provider chain: local
// MaxMind-style database first (if configured), then the two HTTP
// fallbacks, matching the tier order geo.Locator consults.
func buildGeoProviders(log *slog.Logger, cfg *config.Config) []geo.Provider {
	var providers []geo.Provider

	if cfg.GeoIPDBPath != "" {
		mm, err := geo.OpenMaxMindProvider(cfg.GeoIPDBPath, cfg.GeoIPASNDBPath)
		if err != nil {
			log.Warn("geo: failed to open local database, skipping that tier", "error", err)
		} else {
			providers = append(providers, mm)
		}
	}

	providers = append(providers, geo.NewIPAPIProvider(), geo.NewIPInfoProvider())
	return providers
}
