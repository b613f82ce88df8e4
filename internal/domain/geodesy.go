package domain

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// ErrShapeMismatch is returned when the coordinate slices of one point differ
// in length.
var ErrShapeMismatch = errors.New("coordinate shape mismatch")

// DistanceKm returns the great-circle distance in kilometres between two
// points given in degrees.
func DistanceKm(lon1, lat1, lon2, lat2 float64) float64 {
	lon1, lat1 = radians(lon1), radians(lat1)
	lon2, lat2 = radians(lon2), radians(lat2)

	dlon := lon2 - lon1
	dlat := lat2 - lat1
	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	// Rounding can push sqrt(a) just past 1 for antipodal points.
	c := math.Asin(math.Min(1, math.Max(-1, math.Sqrt(a))))
	return 2 * EarthRadiusKm * c
}

// Distances is the element-wise form of DistanceKm. Within a point the
// longitude and latitude slices must have equal length. A point of length 1
// is broadcast against the other.
func Distances(lons1, lats1, lons2, lats2 []float64) ([]float64, error) {
	if len(lons1) != len(lats1) {
		return nil, fmt.Errorf("first point: %d longitudes, %d latitudes: %w", len(lons1), len(lats1), ErrShapeMismatch)
	}
	if len(lons2) != len(lats2) {
		return nil, fmt.Errorf("second point: %d longitudes, %d latitudes: %w", len(lons2), len(lats2), ErrShapeMismatch)
	}

	n1, n2 := len(lons1), len(lons2)
	n := n1
	switch {
	case n1 == n2:
	case n1 == 1:
		n = n2
	case n2 == 1:
	default:
		return nil, fmt.Errorf("cannot broadcast %d against %d: %w", n1, n2, ErrShapeMismatch)
	}

	out := make([]float64, n)
	for i := range out {
		j, k := i, i
		if n1 == 1 {
			j = 0
		}
		if n2 == 1 {
			k = 0
		}
		out[i] = DistanceKm(lons1[j], lats1[j], lons2[k], lats2[k])
	}
	return out, nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
