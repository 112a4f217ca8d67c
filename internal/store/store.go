// Package store provides durable, SQLite-backed persistence for computed
// fingerprints and the geolocation cache, so both survive a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ringtrace/ringtrace/internal/citydb"
	"github.com/ringtrace/ringtrace/internal/fingerprint"
	"github.com/ringtrace/ringtrace/internal/geo"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	ip TEXT PRIMARY KEY,
	location_json TEXT,
	tcp_rtt_ms REAL,
	icmp_rtt_ms REAL,
	rtt_difference_ms REAL,
	estimated_distance_km REAL,
	possible_cities_json TEXT,
	confidence REAL,
	last_updated REAL,
	is_vpn_likely INTEGER
);

CREATE TABLE IF NOT EXISTS geo_cache (
	ip TEXT PRIMARY KEY,
	latitude REAL,
	longitude REAL,
	city TEXT,
	region TEXT,
	country TEXT,
	country_code TEXT,
	isp TEXT,
	org TEXT,
	timezone TEXT,
	asn INTEGER,
	asn_org TEXT,
	cached_at REAL
);
`

// Config configures the store's connection and logging.
type Config struct {
	Logger *slog.Logger
	Path   string
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// Store is a SQLite-backed persistence layer implementing
// fingerprint.Store. Every write commits synchronously before returning.
type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// Open creates (if needed) the schema at cfg.Path and returns a ready
// Store. The underlying driver is pure-Go, so no cgo toolchain is needed
// to build or cross-compile callers of this package.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writes; avoid lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{log: cfg.Logger, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveFingerprint upserts fp, serializing its location and possible-cities
// fields as JSON text columns.
func (s *Store) SaveFingerprint(ctx context.Context, fp *fingerprint.Fingerprint) error {
	var locationJSON []byte
	if fp.Location != nil {
		var err error
		locationJSON, err = json.Marshal(fp.Location)
		if err != nil {
			return fmt.Errorf("marshal location: %w", err)
		}
	}

	citiesJSON, err := json.Marshal(fp.PossibleCities)
	if err != nil {
		return fmt.Errorf("marshal possible cities: %w", err)
	}

	isVPNLikely := 0
	if fp.IsVPNLikely {
		isVPNLikely = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fingerprints
			(ip, location_json, tcp_rtt_ms, icmp_rtt_ms, rtt_difference_ms,
			 estimated_distance_km, possible_cities_json, confidence, last_updated, is_vpn_likely)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			location_json=excluded.location_json,
			tcp_rtt_ms=excluded.tcp_rtt_ms,
			icmp_rtt_ms=excluded.icmp_rtt_ms,
			rtt_difference_ms=excluded.rtt_difference_ms,
			estimated_distance_km=excluded.estimated_distance_km,
			possible_cities_json=excluded.possible_cities_json,
			confidence=excluded.confidence,
			last_updated=excluded.last_updated,
			is_vpn_likely=excluded.is_vpn_likely
	`,
		fp.IP,
		nullableString(locationJSON),
		nullableFloat(fp.TCPRTTMS),
		nullableFloat(fp.ICMPRTTMS),
		nullableFloat(fp.RTTDifferenceMS),
		nullableFloat(fp.EstimatedDistanceKM),
		string(citiesJSON),
		fp.Confidence,
		unixSeconds(fp.LastUpdated),
		isVPNLikely,
	)
	if err != nil {
		return fmt.Errorf("upsert fingerprint %s: %w", fp.IP, err)
	}
	return nil
}

// LoadAllFingerprints returns every persisted Fingerprint.
func (s *Store) LoadAllFingerprints(ctx context.Context) ([]*fingerprint.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, location_json, tcp_rtt_ms, icmp_rtt_ms, rtt_difference_ms,
		       estimated_distance_km, possible_cities_json, confidence, last_updated, is_vpn_likely
		FROM fingerprints
	`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var out []*fingerprint.Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

func scanFingerprint(row interface {
	Scan(dest ...any) error
}) (*fingerprint.Fingerprint, error) {
	var (
		ip                                                 string
		locationJSON, citiesJSON                           sql.NullString
		tcpRTT, icmpRTT, rttDiff, estDistance, confidence  sql.NullFloat64
		lastUpdated                                        float64
		isVPNLikely                                        int
	)

	if err := row.Scan(&ip, &locationJSON, &tcpRTT, &icmpRTT, &rttDiff, &estDistance, &citiesJSON, &confidence, &lastUpdated, &isVPNLikely); err != nil {
		return nil, fmt.Errorf("scan fingerprint: %w", err)
	}

	fp := &fingerprint.Fingerprint{
		IP:          ip,
		Confidence:  confidence.Float64,
		LastUpdated: timeFromUnixSeconds(lastUpdated),
		IsVPNLikely: isVPNLikely != 0,
	}
	if tcpRTT.Valid {
		v := tcpRTT.Float64
		fp.TCPRTTMS = &v
	}
	if icmpRTT.Valid {
		v := icmpRTT.Float64
		fp.ICMPRTTMS = &v
	}
	if rttDiff.Valid {
		v := rttDiff.Float64
		fp.RTTDifferenceMS = &v
	}
	if estDistance.Valid {
		v := estDistance.Float64
		fp.EstimatedDistanceKM = &v
	}
	if locationJSON.Valid && locationJSON.String != "" {
		var loc geo.Location
		if err := json.Unmarshal([]byte(locationJSON.String), &loc); err != nil {
			return nil, fmt.Errorf("unmarshal location for %s: %w", ip, err)
		}
		fp.Location = &loc
	}
	if citiesJSON.Valid && citiesJSON.String != "" {
		var cities []citydb.Result
		if err := json.Unmarshal([]byte(citiesJSON.String), &cities); err != nil {
			return nil, fmt.Errorf("unmarshal possible cities for %s: %w", ip, err)
		}
		fp.PossibleCities = cities
	}

	return fp, nil
}

// DeleteFingerprint removes the persisted fingerprint for ip, if any.
func (s *Store) DeleteFingerprint(ctx context.Context, ip string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("delete fingerprint %s: %w", ip, err)
	}
	return nil
}

// CleanupOldFingerprints deletes fingerprints whose last_updated is older
// than maxAge and returns how many rows were removed. maxAge of zero uses
// the default of 24 hours.
func (s *Store) CleanupOldFingerprints(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	cutoff := unixSeconds(time.Now().Add(-maxAge))

	result, err := s.db.ExecContext(ctx, `DELETE FROM fingerprints WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old fingerprints: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}
	return int(affected), nil
}

// SaveGeoCache upserts a geolocation record for ip, stamped with the
// current time.
func (s *Store) SaveGeoCache(ctx context.Context, loc *geo.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geo_cache (ip, latitude, longitude, city, region, country, country_code, isp, org, timezone, asn, asn_org, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			latitude=excluded.latitude, longitude=excluded.longitude, city=excluded.city,
			region=excluded.region, country=excluded.country, country_code=excluded.country_code,
			isp=excluded.isp, org=excluded.org, timezone=excluded.timezone,
			asn=excluded.asn, asn_org=excluded.asn_org, cached_at=excluded.cached_at
	`,
		loc.IP, loc.Latitude, loc.Longitude, loc.City, loc.Region, loc.Country, loc.CountryCode,
		loc.ISP, loc.Org, loc.Timezone, int64(loc.ASN), loc.ASNOrg, unixSeconds(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert geo cache %s: %w", loc.IP, err)
	}
	return nil
}

// LoadGeoCache returns every geo_cache row cached within the last maxAge.
func (s *Store) LoadGeoCache(ctx context.Context, maxAge time.Duration) ([]*geo.Location, error) {
	cutoff := unixSeconds(time.Now().Add(-maxAge))

	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, latitude, longitude, city, region, country, country_code, isp, org, timezone, asn, asn_org
		FROM geo_cache WHERE cached_at > ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query geo cache: %w", err)
	}
	defer rows.Close()

	var out []*geo.Location
	for rows.Next() {
		var loc geo.Location
		var asn int64
		if err := rows.Scan(&loc.IP, &loc.Latitude, &loc.Longitude, &loc.City, &loc.Region, &loc.Country, &loc.CountryCode, &loc.ISP, &loc.Org, &loc.Timezone, &asn, &loc.ASNOrg); err != nil {
			return nil, fmt.Errorf("scan geo cache row: %w", err)
		}
		loc.ASN = uint(asn)
		out = append(out, &loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate geo cache: %w", err)
	}
	return out, nil
}

// Timestamps are stored as fractional Unix seconds in a REAL column, so a
// save/load round trip preserves sub-second precision.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(math.Round(s*1e9))).UTC()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
