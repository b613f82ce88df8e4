package domain

import (
	"math"
	"strings"
	"time"
)

// Event is an earthquake origin. ID is the store row identity; EventID is the
// external identifier published by the network.
type Event struct {
	ID          int64     `json:"-"`
	EventID     string    `json:"eventid"`
	NetID       string    `json:"netid"`
	Time        time.Time `json:"time"`
	Lat         float64   `json:"latitude"`
	Lon         float64   `json:"longitude"`
	Depth       float64   `json:"depth"`
	Magnitude   float64   `json:"magnitude"`
	Description string    `json:"locstring"`
}

// EventDescriptor is the flat record supplied by the event feed. AltIDs are
// only consulted at ingestion time to recognise a known event under a new id.
type EventDescriptor struct {
	EventID     string    `json:"eventid"`
	AltIDs      []string  `json:"ids"`
	NetID       string    `json:"netid"`
	Time        time.Time `json:"time"`
	Lat         float64   `json:"latitude"`
	Lon         float64   `json:"longitude"`
	Depth       float64   `json:"depth"`
	Magnitude   float64   `json:"magnitude"`
	Description string    `json:"locstring"`
}

// Event converts the descriptor into an Event without store identity.
func (d EventDescriptor) Event() Event {
	return Event{
		EventID:     d.EventID,
		NetID:       d.NetID,
		Time:        d.Time.UTC(),
		Lat:         d.Lat,
		Lon:         d.Lon,
		Depth:       d.Depth,
		Magnitude:   d.Magnitude,
		Description: d.Description,
	}
}

// CandidateIDs returns the identifiers to match against stored events, the
// preferred id first, without blanks or repeats.
func (d EventDescriptor) CandidateIDs() []string {
	ids := make([]string, 0, len(d.AltIDs)+1)
	seen := make(map[string]bool, len(d.AltIDs)+1)
	for _, id := range append([]string{d.EventID}, d.AltIDs...) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Validate checks the fields every stored event requires.
func (d EventDescriptor) Validate() error {
	if strings.TrimSpace(d.EventID) == "" {
		return &ValidationError{Entity: "event", Field: "eventid", Reason: "required"}
	}
	if d.Time.IsZero() {
		return &ValidationError{Entity: "event", Field: "time", Reason: "required"}
	}
	if err := validateCoordinates("event", d.Lat, d.Lon); err != nil {
		return err
	}
	if !finite(d.Depth) {
		return &ValidationError{Entity: "event", Field: "depth", Reason: "must be finite"}
	}
	if !finite(d.Magnitude) {
		return &ValidationError{Entity: "event", Field: "magnitude", Reason: "must be finite"}
	}
	return nil
}

// Station is an observation point reporting at one instant. EventID is a
// nullable lookup to the Event row it is associated with, never ownership.
type Station struct {
	ID        int64     `json:"-"`
	EventID   *int64    `json:"-"`
	Network   string    `json:"network"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
	LoadTime  time.Time `json:"loadtime"`
	Channels  []Channel `json:"channels,omitempty"`
}

// Associated reports whether the station is currently claimed by an event.
func (s Station) Associated() bool {
	return s.EventID != nil
}

// Channel is one sensor component of a station.
type Channel struct {
	ID       int64  `json:"-"`
	Name     string `json:"name"`
	Location string `json:"loc"`
	PGMs     []PGM  `json:"pgms,omitempty"`
}

// PGM is one peak-ground-motion value of a channel.
type PGM struct {
	IMT   IMT     `json:"imt"`
	Value float64 `json:"value"`
}

// StationDescriptor is the station header read from an amplitude document.
type StationDescriptor struct {
	Network string
	Code    string
	Name    string
	Lat     float64
	Lon     float64
}

// Validate checks the fields every stored station requires.
func (s StationDescriptor) Validate() error {
	if strings.TrimSpace(s.Network) == "" {
		return &ValidationError{Entity: "station", Field: "network", Reason: "required"}
	}
	if strings.TrimSpace(s.Code) == "" {
		return &ValidationError{Entity: "station", Field: "code", Reason: "required"}
	}
	return validateCoordinates("station", s.Lat, s.Lon)
}

// ChannelRecord is a parsed component together with its accepted measurements.
type ChannelRecord struct {
	Name     string
	Location string
	PGMs     []PGM
}

// AmplitudeRecord is the normalized content of one amplitude document, ready
// to be merged into the store.
type AmplitudeRecord struct {
	Source    string
	Agency    string
	Timestamp time.Time
	Station   StationDescriptor
	Channels  []ChannelRecord
}

// Validate checks the record against the shape the store requires.
func (r AmplitudeRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return &ValidationError{Entity: "station", Field: "timestamp", Reason: "required"}
	}
	if err := r.Station.Validate(); err != nil {
		return err
	}
	for _, ch := range r.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return &ValidationError{Entity: "channel", Field: "name", Reason: "required"}
		}
		for _, p := range ch.PGMs {
			if !p.IMT.Valid() {
				return &ValidationError{Entity: "pgm", Field: "imt", Reason: "unrecognized " + string(p.IMT)}
			}
			if !finite(p.Value) {
				return &ValidationError{Entity: "pgm", Field: "value", Reason: "must be finite"}
			}
		}
	}
	return nil
}

func validateCoordinates(entity string, lat, lon float64) error {
	if !finite(lat) || lat < -90 || lat > 90 {
		return &ValidationError{Entity: entity, Field: "lat", Reason: "must be within [-90, 90]"}
	}
	if !finite(lon) || lon < -360 || lon > 360 {
		return &ValidationError{Entity: entity, Field: "lon", Reason: "must be within [-360, 360]"}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
