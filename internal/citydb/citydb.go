// Package citydb answers proximity queries over a bundled dataset of
// populated places, used to turn an inferred extra-distance estimate into
// a short list of candidate real-world cities.
package citydb

import (
	"embed"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
)

//go:embed data/cities.csv
var citiesCSV embed.FS

const earthRadiusKM = 6371.0

// City is one populated place in the dataset.
type City struct {
	Name        string
	Country     string
	CountryCode string
	Latitude    float64
	Longitude   float64
	Population  int
}

// Result pairs a City with its computed distance from a query point.
type Result struct {
	City
	DistanceFromCenterKM float64
	DistanceFromRingKM   float64
}

// Finder answers nearest/within-radius/near-ring queries over the
// populated-places dataset, filtered at load time by minimum population.
type Finder struct {
	cities []City
}

// New loads the embedded dataset, keeping only cities with population at
// least minPopulation, sorted by population descending.
func New(minPopulation int) (*Finder, error) {
	f, err := citiesCSV.Open("data/cities.csv")
	if err != nil {
		return nil, fmt.Errorf("open embedded cities dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read embedded cities dataset: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("cities dataset is empty")
	}

	cities := make([]City, 0, len(records)-1)
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) < 6 {
			continue
		}
		population, err := strconv.Atoi(rec[5])
		if err != nil || population < minPopulation {
			continue
		}
		lat, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			continue
		}
		cities = append(cities, City{
			Name:        rec[0],
			Country:     rec[1],
			CountryCode: rec[2],
			Latitude:    lat,
			Longitude:   lon,
			Population:  population,
		})
	}

	sort.Slice(cities, func(i, j int) bool { return cities[i].Population > cities[j].Population })

	return &Finder{cities: cities}, nil
}

// Count reports how many cities survived the minimum-population filter.
func (f *Finder) Count() int {
	return len(f.cities)
}

// HaversineKM computes great-circle distance between two points on a
// 6371km-radius sphere.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

// Nearest returns the single closest city to (lat, lon), or false if the
// dataset is empty.
func (f *Finder) Nearest(lat, lon float64) (Result, bool) {
	if len(f.cities) == 0 {
		return Result{}, false
	}

	best := Result{City: f.cities[0], DistanceFromCenterKM: HaversineKM(lat, lon, f.cities[0].Latitude, f.cities[0].Longitude)}
	for _, c := range f.cities[1:] {
		d := HaversineKM(lat, lon, c.Latitude, c.Longitude)
		if d < best.DistanceFromCenterKM {
			best = Result{City: c, DistanceFromCenterKM: d}
		}
	}
	return best, true
}

// WithinRadius returns up to maxResults cities within radiusKM of (lat,
// lon), sorted by population descending.
func (f *Finder) WithinRadius(lat, lon, radiusKM float64, maxResults int) []Result {
	var results []Result
	for _, c := range f.cities {
		d := HaversineKM(lat, lon, c.Latitude, c.Longitude)
		if d <= radiusKM {
			results = append(results, Result{City: c, DistanceFromCenterKM: d})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Population > results[j].Population })
	return truncate(results, maxResults)
}

// NearRing returns up to maxResults cities whose distance from (lat, lon)
// is within toleranceKM of ringRadiusKM, sorted by population descending
// and, for ties, by closeness to the ring.
func (f *Finder) NearRing(lat, lon, ringRadiusKM, toleranceKM float64, maxResults int) []Result {
	var results []Result
	for _, c := range f.cities {
		d := HaversineKM(lat, lon, c.Latitude, c.Longitude)
		distFromRing := math.Abs(d - ringRadiusKM)
		if distFromRing <= toleranceKM {
			results = append(results, Result{City: c, DistanceFromCenterKM: d, DistanceFromRingKM: distFromRing})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Population != results[j].Population {
			return results[i].Population > results[j].Population
		}
		return results[i].DistanceFromRingKM < results[j].DistanceFromRingKM
	})
	return truncate(results, maxResults)
}

func truncate(results []Result, maxResults int) []Result {
	if maxResults <= 0 || len(results) <= maxResults {
		return results
	}
	return results[:maxResults]
}
