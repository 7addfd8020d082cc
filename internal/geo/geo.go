package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/bloodlink/internal/models"
)

const earthRadiusM = 6371000.0

// Geo is the donor position index used by matching and location search.
type Geo interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]models.Donor, error)
	Upsert(ctx context.Context, d models.Donor) error
}

// Index is an in-process Geo used for local runs and tests.
type Index struct {
	mu     sync.RWMutex
	donors map[string]models.Donor
}

func NewIndex() *Index {
	return &Index{donors: make(map[string]models.Donor)}
}

func (g *Index) Upsert(_ context.Context, d models.Donor) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.donors[d.ID] = d
	return nil
}

// Len returns the number of indexed donors.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.donors)
}

// naive scan; fine for the donor counts a single region holds
func (g *Index) Nearby(_ context.Context, lat, lng, radiusKm float64, limit int) ([]models.Donor, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Donor
		dist float64
	}
	arr := make([]pair, 0, len(g.donors))
	for _, d := range g.donors {
		dist := DistanceKm(models.Coord{Lat: lat, Lng: lng}, d.Loc)
		if radiusKm > 0 && dist > radiusKm {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Donor, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is the great-circle distance between two coordinates in km.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}

// ValidCoord reports whether c is a plausible WGS84 position.
func ValidCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}
