package domain

import (
	"path"
	"sort"
	"time"
)

// TimeLayout is the UTC timestamp format of amplitude documents and exports.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// DefaultProvider labels every exported station.
const DefaultProvider = "NEIC ShakeMap"

// ExportMeta carries the run-level fields stamped on an export.
type ExportMeta struct {
	Software    string
	Version     string
	Provider    string
	RunID       string
	ProcessTime time.Time
}

// ExportPayload is the GeoJSON FeatureCollection handed to the export sink.
type ExportPayload struct {
	Type        string      `json:"type"`
	Software    Software    `json:"software"`
	ProcessTime string      `json:"process_time"`
	RunID       string      `json:"run_id,omitempty"`
	Event       ExportEvent `json:"event"`
	Features    []Feature   `json:"features"`
}

type Software struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ExportEvent struct {
	ID          string  `json:"id"`
	Time        string  `json:"time"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Depth       float64 `json:"depth"`
	Magnitude   float64 `json:"magnitude"`
	Description string  `json:"description,omitempty"`
}

type Feature struct {
	Type       string            `json:"type"`
	Geometry   Geometry          `json:"geometry"`
	Properties FeatureProperties `json:"properties"`
}

// Geometry is a GeoJSON Point; Coordinates are [lon, lat].
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type FeatureProperties struct {
	NetworkCode string               `json:"network_code"`
	StationCode string               `json:"station_code"`
	Name        string               `json:"name"`
	Provider    string               `json:"provider"`
	Components  map[string]Component `json:"components"`
}

// Component groups a channel's measurements by family.
type Component struct {
	PGA *Amplitude `json:"PGA,omitempty"`
	PGV *Amplitude `json:"PGV,omitempty"`
	SA  []Spectral `json:"SA,omitempty"`
}

type Amplitude struct {
	Value float64 `json:"value"`
	Units string  `json:"units"`
}

type Spectral struct {
	Value   float64 `json:"value"`
	Period  float64 `json:"period"`
	Damping float64 `json:"damping"`
	Units   string  `json:"units"`
}

// ExportKey is the object key under which an event's export is stored. The
// name is the one downstream processing reads; the body is JSON.
func ExportKey(eventID string) string {
	return path.Join("events", eventID, "input", "event.xml")
}

// BuildExport assembles the payload for an event and its associated stations.
// Stations keep their input order; spectral entries are sorted by period.
func BuildExport(ev Event, stations []Station, meta ExportMeta) ExportPayload {
	provider := meta.Provider
	if provider == "" {
		provider = DefaultProvider
	}

	features := make([]Feature, 0, len(stations))
	for _, st := range stations {
		components := make(map[string]Component, len(st.Channels))
		for _, ch := range st.Channels {
			components[ch.Name] = buildComponent(ch.PGMs)
		}
		features = append(features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: [2]float64{st.Lon, st.Lat},
			},
			Properties: FeatureProperties{
				NetworkCode: st.Network,
				StationCode: st.Code,
				Name:        st.Name,
				Provider:    provider,
				Components:  components,
			},
		})
	}

	return ExportPayload{
		Type:        "FeatureCollection",
		Software:    Software{Name: meta.Software, Version: meta.Version},
		ProcessTime: meta.ProcessTime.UTC().Format(TimeLayout),
		RunID:       meta.RunID,
		Event: ExportEvent{
			ID:          ev.EventID,
			Time:        ev.Time.UTC().Format(TimeLayout),
			Latitude:    ev.Lat,
			Longitude:   ev.Lon,
			Depth:       ev.Depth,
			Magnitude:   ev.Magnitude,
			Description: ev.Description,
		},
		Features: features,
	}
}

func buildComponent(pgms []PGM) Component {
	var c Component
	for _, p := range pgms {
		switch {
		case p.IMT == IMTPGA:
			c.PGA = &Amplitude{Value: p.Value, Units: p.IMT.Unit()}
		case p.IMT == IMTPGV:
			c.PGV = &Amplitude{Value: p.Value, Units: p.IMT.Unit()}
		case p.IMT.IsSpectral():
			period, ok := p.IMT.Period()
			if !ok {
				continue
			}
			c.SA = append(c.SA, Spectral{
				Value:   p.Value,
				Period:  period,
				Damping: SpectralDamping,
				Units:   p.IMT.Unit(),
			})
		}
	}
	sort.SliceStable(c.SA, func(i, j int) bool { return c.SA[i].Period < c.SA[j].Period })
	return c
}
