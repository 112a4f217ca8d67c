// Package geo resolves IP addresses to approximate geographic locations
// through a tiered lookup: an in-memory cache, then a local MaxMind-style
// database, then two HTTP providers, in that order.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/geoip2-golang"

	"github.com/ringtrace/ringtrace/internal/metrics"
)

const cacheTTL = time.Hour

// Location is the resolved geographic record for one IP.
type Location struct {
	IP          string
	Latitude    float64
	Longitude   float64
	City        string
	Region      string
	Country     string
	CountryCode string
	ISP         string
	Org         string
	Timezone    string

	// ASN and ASNOrg are populated only when a local MaxMind-style ASN
	// database is configured alongside the city database; both are zero
	// values otherwise.
	ASN    uint
	ASNOrg string
}

// Provider is one tier of the lookup chain. Lookup returns (nil, nil) when
// the provider has no answer, rather than treating "no data" as an error.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// Store is the durable geo-cache lookups are written through to, so
// results survive a restart. Implemented by internal/store; declared here
// so this package has no dependency on that one.
type Store interface {
	SaveGeoCache(ctx context.Context, loc *Location) error
	LoadGeoCache(ctx context.Context, maxAge time.Duration) ([]*Location, error)
}

// Locator resolves IPs through an in-memory cache backed by an ordered
// chain of Providers. Private addresses always return (nil, nil).
type Locator struct {
	log        *slog.Logger
	cache      *ttlcache.Cache[string, Location]
	providers  []Provider
	store      Store
	hasLocalDB bool
}

// New builds a Locator over the given ordered providers (first match
// wins). The in-memory cache uses a one-hour TTL.
func New(log *slog.Logger, providers ...Provider) *Locator {
	cache := ttlcache.New[string, Location](ttlcache.WithTTL[string, Location](cacheTTL))
	go cache.Start()

	hasLocalDB := false
	for _, p := range providers {
		if _, ok := p.(*MaxMindProvider); ok {
			hasLocalDB = true
			break
		}
	}

	return &Locator{log: log, cache: cache, providers: providers, hasLocalDB: hasLocalDB}
}

// AttachStore enables write-through to a durable geo-cache and preloads
// every row cached within maxAge into the in-memory tier, returning how
// many were restored. Call it before the first Lookup; persistence
// failures afterward are logged and swallowed so lookups stay functional.
func (l *Locator) AttachStore(ctx context.Context, store Store, maxAge time.Duration) int {
	l.store = store
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	locs, err := store.LoadGeoCache(ctx, maxAge)
	if err != nil {
		l.log.Warn("geo: failed to load durable geo cache", "error", err)
		return 0
	}
	for _, loc := range locs {
		l.cache.Set(loc.IP, *loc, ttlcache.DefaultTTL)
	}
	return len(locs)
}

// HasLocalDatabase reports whether a local MaxMind-style database provider
// is configured, for UI/telemetry surfaces that want to show which tiers
// are active.
func (l *Locator) HasLocalDatabase() bool {
	return l.hasLocalDB
}

// Close stops the cache's background eviction goroutine.
func (l *Locator) Close() {
	l.cache.Stop()
}

// Lookup resolves ip through the cache, then each provider in order,
// caching the first non-nil result. Private IPs short-circuit to (nil, nil)
// without consulting any provider.
func (l *Locator) Lookup(ctx context.Context, ip string) (*Location, error) {
	if isPrivateIP(ip) {
		metrics.GeolocationLookups.WithLabelValues("private").Inc()
		return nil, nil
	}

	if item := l.cache.Get(ip); item != nil {
		metrics.GeolocationLookups.WithLabelValues("cache").Inc()
		loc := item.Value()
		return &loc, nil
	}

	for _, p := range l.providers {
		loc, err := p.Lookup(ctx, ip)
		if err != nil {
			l.log.Debug("geo: provider lookup failed", "ip", ip, "error", err)
			continue
		}
		if loc == nil {
			continue
		}
		l.cache.Set(ip, *loc, ttlcache.DefaultTTL)
		if l.store != nil {
			if err := l.store.SaveGeoCache(ctx, loc); err != nil {
				l.log.Debug("geo: failed to persist geo cache entry", "ip", ip, "error", err)
			}
		}
		metrics.GeolocationLookups.WithLabelValues(providerTier(p)).Inc()
		return loc, nil
	}
	metrics.GeolocationLookups.WithLabelValues("miss").Inc()
	return nil, nil
}

// providerTier maps a Provider implementation to its metric label: local
// database, then the two HTTP fallbacks.
func providerTier(p Provider) string {
	switch p.(type) {
	case *MaxMindProvider:
		return "local_db"
	case *IPAPIProvider:
		return "provider_a"
	case *IPInfoProvider:
		return "provider_b"
	default:
		return "other"
	}
}

// ClearCache drops every cached entry.
func (l *Locator) ClearCache() {
	l.cache.DeleteAll()
}

func isPrivateIP(ip string) bool {
	if strings.HasPrefix(ip, "127.") || strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") {
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.Split(ip, ".")
		if len(parts) > 1 {
			if second, err := strconv.Atoi(parts[1]); err == nil && second >= 16 && second <= 31 {
				return true
			}
		}
	}
	return false
}

// MaxMindProvider resolves IPs against a local MaxMind-style city (and,
// optionally, ASN) database.
type MaxMindProvider struct {
	cityDB *geoip2.Reader
	asnDB  *geoip2.Reader
}

// NewMaxMindProvider wraps already-open readers. asnDB may be nil if no
// ASN database was configured.
func NewMaxMindProvider(cityDB, asnDB *geoip2.Reader) *MaxMindProvider {
	return &MaxMindProvider{cityDB: cityDB, asnDB: asnDB}
}

// OpenMaxMindProvider opens the city database (required) and ASN database
// (optional, pass "" to skip) from disk.
func OpenMaxMindProvider(cityPath, asnPath string) (*MaxMindProvider, error) {
	cityDB, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip city database: %w", err)
	}
	var asnDB *geoip2.Reader
	if asnPath != "" {
		asnDB, err = geoip2.Open(asnPath)
		if err != nil {
			cityDB.Close()
			return nil, fmt.Errorf("open geoip asn database: %w", err)
		}
	}
	return &MaxMindProvider{cityDB: cityDB, asnDB: asnDB}, nil
}

// Close releases both underlying readers.
func (m *MaxMindProvider) Close() error {
	if m.asnDB != nil {
		m.asnDB.Close()
	}
	if m.cityDB != nil {
		return m.cityDB.Close()
	}
	return nil
}

func (m *MaxMindProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	if m.cityDB == nil {
		return nil, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip: %s", ip)
	}

	rec, err := m.cityDB.City(parsed)
	if err != nil {
		return nil, err
	}

	loc := &Location{
		IP:          ip,
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		City:        rec.City.Names["en"],
		Country:     rec.Country.Names["en"],
		CountryCode: rec.Country.IsoCode,
	}
	if n := len(rec.Subdivisions); n > 0 {
		loc.Region = rec.Subdivisions[n-1].Names["en"]
	}

	if m.asnDB != nil {
		if asn, err := m.asnDB.ASN(parsed); err == nil {
			loc.ASN = asn.AutonomousSystemNumber
			loc.ASNOrg = asn.AutonomousSystemOrganization
			loc.Org = asn.AutonomousSystemOrganization
		}
	}

	return loc, nil
}

// httpClient is the minimal interface both HTTP providers need, so tests
// can substitute a fake transport without a real network call.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// IPAPIProvider queries ip-api.com's free JSON endpoint.
type IPAPIProvider struct {
	client  httpClient
	baseURL string
}

// NewIPAPIProvider builds a provider against the real ip-api.com service.
func NewIPAPIProvider() *IPAPIProvider {
	return &IPAPIProvider{client: &http.Client{Timeout: 5 * time.Second}, baseURL: "http://ip-api.com"}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
	Org         string  `json:"org"`
}

func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,message,country,countryCode,region,regionName,city,lat,lon,timezone,isp,org", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "ringtrace/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if data.Status != "success" {
		return nil, nil
	}

	return &Location{
		IP:          ip,
		Latitude:    data.Lat,
		Longitude:   data.Lon,
		City:        data.City,
		Region:      data.Region,
		Country:     data.Country,
		CountryCode: data.CountryCode,
		ISP:         data.ISP,
		Org:         data.Org,
		Timezone:    data.Timezone,
	}, nil
}

// IPInfoProvider queries ipinfo.io's free JSON endpoint.
type IPInfoProvider struct {
	client  httpClient
	baseURL string
}

// NewIPInfoProvider builds a provider against the real ipinfo.io service.
func NewIPInfoProvider() *IPInfoProvider {
	return &IPInfoProvider{client: &http.Client{Timeout: 5 * time.Second}, baseURL: "https://ipinfo.io"}
}

type ipInfoResponse struct {
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
	Loc     string `json:"loc"`
}

func (p *IPInfoProvider) Lookup(ctx context.Context, ip string) (*Location, error) {
	url := fmt.Sprintf("%s/%s/json", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "ringtrace/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var data ipInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	if data.Loc == "" {
		return nil, nil
	}

	parts := strings.SplitN(data.Loc, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed loc field: %q", data.Loc)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, err
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, err
	}

	return &Location{
		IP:        ip,
		Latitude:  lat,
		Longitude: lon,
		City:      data.City,
		Region:    data.Region,
		Country:   data.Country,
		Org:       data.Org,
	}, nil
}
