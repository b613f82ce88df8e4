package domain

import (
	"errors"
	"fmt"
	"time"
)

// Window holds the acceptance tunables for associating stations with an
// origin and for merging repeated station reports.
type Window struct {
	// Before and After bound the station timestamp around the origin time,
	// exclusive on both ends.
	Before time.Duration
	After  time.Duration

	// MaxDistanceKm is the exclusive great-circle distance bound.
	MaxDistanceKm float64

	// PWaveSpeed in km/s yields the expected P arrival offset. It is reported
	// for diagnostics and never gates acceptance.
	PWaveSpeed float64

	// StationWindow is the half-width within which reports for the same
	// network and station code are merged into one station.
	StationWindow time.Duration
}

// DefaultWindow returns the production association tunables.
func DefaultWindow() Window {
	return Window{
		Before:        60 * time.Second,
		After:         180 * time.Second,
		MaxDistanceKm: 500,
		PWaveSpeed:    4.2,
		StationWindow: 10 * time.Second,
	}
}

// Validate rejects tunables that would make every window empty.
func (w Window) Validate() error {
	switch {
	case w.Before < 0 || w.After < 0:
		return fmt.Errorf("association time window must not be negative (before %s, after %s)", w.Before, w.After)
	case w.Before+w.After <= 0:
		return errors.New("association time window is empty")
	case !finite(w.MaxDistanceKm) || w.MaxDistanceKm <= 0:
		return fmt.Errorf("association max distance must be positive, got %v", w.MaxDistanceKm)
	case !finite(w.PWaveSpeed) || w.PWaveSpeed <= 0:
		return fmt.Errorf("p-wave speed must be positive, got %v", w.PWaveSpeed)
	case w.StationWindow <= 0:
		return fmt.Errorf("station window must be positive, got %s", w.StationWindow)
	}
	return nil
}

// TimeBounds returns the exclusive station-timestamp range for an origin.
func (w Window) TimeBounds(origin time.Time) (from, to time.Time) {
	return origin.Add(-w.Before), origin.Add(w.After)
}

// InTime reports whether ts falls strictly inside the window around origin.
func (w Window) InTime(origin, ts time.Time) bool {
	from, to := w.TimeBounds(origin)
	return ts.After(from) && ts.Before(to)
}

// Candidate is a station evaluated against one origin.
type Candidate struct {
	Station    Station
	DistanceKm float64
	// TravelTime is the expected P arrival offset after the origin.
	TravelTime time.Duration
	// Residual is the observed offset minus TravelTime.
	Residual time.Duration
	Accepted bool
}

// SelectCandidates evaluates stations against an origin and returns one
// Candidate per station in input order. A station is accepted only when it
// is unassociated and inside both the time and the distance window.
func SelectCandidates(ev Event, stations []Station, w Window) ([]Candidate, error) {
	if len(stations) == 0 {
		return nil, nil
	}
	lons := make([]float64, len(stations))
	lats := make([]float64, len(stations))
	for i, st := range stations {
		lons[i] = st.Lon
		lats[i] = st.Lat
	}
	dists, err := Distances([]float64{ev.Lon}, []float64{ev.Lat}, lons, lats)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(stations))
	for i, st := range stations {
		travel := time.Duration(dists[i] / w.PWaveSpeed * float64(time.Second))
		out[i] = Candidate{
			Station:    st,
			DistanceKm: dists[i],
			TravelTime: travel,
			Residual:   st.Timestamp.Sub(ev.Time) - travel,
			Accepted: !st.Associated() &&
				w.InTime(ev.Time, st.Timestamp) &&
				dists[i] < w.MaxDistanceKm,
		}
	}
	return out, nil
}

// NearestStation picks the station whose timestamp is closest to ts among
// those strictly inside the station window. Ties keep the earlier entry.
func NearestStation(ts time.Time, stations []Station, w Window) (Station, bool) {
	var (
		best  Station
		delta time.Duration
		found bool
	)
	for _, st := range stations {
		d := absDuration(st.Timestamp.Sub(ts))
		if d >= w.StationWindow {
			continue
		}
		if !found || d < delta {
			best, delta, found = st, d, true
		}
	}
	return best, found
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
