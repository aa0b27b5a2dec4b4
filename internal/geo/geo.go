// Package geo ranks workshops by great-circle distance from a point.
package geo

import (
	"fmt"
	"math"
	"sort"

	"roadfix/internal/domain"
)

const (
	// EarthRadiusKm is the mean Earth radius used by DistanceKm
	EarthRadiusKm = 6371.0
	// DefaultRadiusKm applies when the caller gives no radius
	DefaultRadiusKm = 50.0
)

// Point is a latitude/longitude pair in degrees
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks coordinate ranges
func (p Point) Validate() error {
	return domain.Location{Latitude: p.Lat, Longitude: p.Lon}.Validate()
}

// PointOf returns the coordinates of a location
func PointOf(l domain.Location) Point {
	return Point{Lat: l.Latitude, Lon: l.Longitude}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// DistanceKm returns the haversine distance between a and b
func DistanceKm(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// rounding can push h slightly past 1 for antipodal points
	h = math.Min(1, h)

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Sort selects result ordering
type Sort string

// Sort modes
const (
	SortDistance Sort = "distance"
	SortNewest   Sort = "newest"
	SortOldest   Sort = "oldest"
	SortRating   Sort = "rating"
)

// Query describes a proximity search
type Query struct {
	Center   *Point
	RadiusKm *float64
	Sort     Sort
	Limit    int
}

// Radius returns the effective radius, rejecting explicit non-positive values
func (q Query) Radius() (float64, error) {
	if q.RadiusKm == nil {
		return DefaultRadiusKm, nil
	}
	r := *q.RadiusKm
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0, fmt.Errorf("%w: radius must be a positive number of km", domain.ErrValidation)
	}
	return r, nil
}

// Match is one search hit. DistanceKm is nil when the query had no center.
type Match struct {
	Workshop   domain.Workshop `json:"workshop"`
	DistanceKm *float64        `json:"distanceKm,omitempty"`
}

// Mode returns the effective ordering. Distance is the default with a
// center; without one it falls back to newest first.
func (q Query) Mode() (Sort, error) {
	switch q.Sort {
	case "", SortDistance:
		if q.Center == nil {
			return SortNewest, nil
		}
		return SortDistance, nil
	case SortNewest, SortOldest, SortRating:
		return q.Sort, nil
	}
	return "", fmt.Errorf("%w: unknown sort %q", domain.ErrValidation, q.Sort)
}

// SearchNear filters candidates to those within the radius of the query
// center and orders them. Without a center every candidate is returned,
// ordered newest, oldest or by rating.
func SearchNear(q Query, candidates []domain.Workshop) ([]Match, error) {
	radius, err := q.Radius()
	if err != nil {
		return nil, err
	}
	mode, err := q.Mode()
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	if q.Center != nil {
		if err := q.Center.Validate(); err != nil {
			return nil, err
		}
		for _, w := range candidates {
			d := DistanceKm(*q.Center, PointOf(w.Location))
			if d <= radius {
				matches = append(matches, Match{Workshop: w, DistanceKm: &d})
			}
		}
	} else {
		for _, w := range candidates {
			matches = append(matches, Match{Workshop: w})
		}
	}

	sort.SliceStable(matches, less(matches, mode))

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func less(m []Match, mode Sort) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := m[i].Workshop, m[j].Workshop
		switch mode {
		case SortDistance:
			if *m[i].DistanceKm != *m[j].DistanceKm {
				return *m[i].DistanceKm < *m[j].DistanceKm
			}
			if a.Rating != b.Rating {
				return a.Rating > b.Rating
			}
		case SortRating:
			if a.Rating != b.Rating {
				return a.Rating > b.Rating
			}
		case SortNewest:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID < b.ID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}
}

// Box is a latitude/longitude rectangle enclosing a search circle
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundingBox returns a rectangle containing every point within radiusKm of
// center. Near the poles or across the antimeridian it widens to all
// longitudes, so it is only ever a prefilter.
func BoundingBox(center Point, radiusKm float64) Box {
	angular := radiusKm / EarthRadiusKm
	dLat := angular * 180 / math.Pi
	box := Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLon: -180,
		MaxLon: 180,
	}
	if box.MinLat == -90 || box.MaxLat == 90 {
		return box
	}
	s := math.Sin(angular) / math.Cos(radians(center.Lat))
	if angular >= math.Pi/2 || s >= 1 {
		return box
	}
	dLon := math.Asin(s) * 180 / math.Pi
	if center.Lon-dLon < -180 || center.Lon+dLon > 180 {
		return box
	}
	box.MinLon = center.Lon - dLon
	box.MaxLon = center.Lon + dLon
	return box
}
