package domain

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	rootTag = "amplitudes"

	// defaultLocation is stored for components that omit a location code.
	defaultLocation = "--"

	// maxQuality is the worst COSMOS quality code still accepted.
	maxQuality = 4
)

var (
	// nonASCIIRe matches runs of bytes outside 7-bit ASCII, including invalid
	// UTF-8, which field feeds emit in station names.
	nonASCIIRe = regexp.MustCompile(`[^\x00-\x7F]+`)

	// pgmTimeLayouts are tried in order; the fractional form is preferred.
	pgmTimeLayouts = []string{TimeLayout, "2006-01-02T15:04:05Z"}
)

// xmlNode is a generic element tree; amplitude documents vary too much across
// networks for a fixed struct mapping.
type xmlNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Text    string     `xml:",chardata"`
	Nodes   []xmlNode  `xml:",any"`
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// child returns the first direct child with the given tag.
func (n *xmlNode) child(tag string) *xmlNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == tag {
			return &n.Nodes[i]
		}
	}
	return nil
}

// walk visits n and every descendant in document order.
func (n *xmlNode) walk(fn func(*xmlNode)) {
	fn(n)
	for i := range n.Nodes {
		n.Nodes[i].walk(fn)
	}
}

// ParseAmplitudes decodes one amplitude document into a normalized record.
// source names the document in errors. A document without usable time yields
// a *MissingTimeError; structural problems yield a *ParseError.
func ParseAmplitudes(source string, data []byte) (AmplitudeRecord, error) {
	root, err := decodeTree(data)
	if err != nil {
		return AmplitudeRecord{}, &ParseError{Source: source, Err: err}
	}
	if root.XMLName.Local != rootTag {
		return AmplitudeRecord{}, &ParseError{
			Source: source,
			Err:    fmt.Errorf("root element %q is not %q", root.XMLName.Local, rootTag),
		}
	}

	agency, _ := root.attr("agency")
	record := root.child("record")
	if record == nil {
		return AmplitudeRecord{}, &ParseError{Source: source, Err: errors.New("no record element")}
	}

	ts, err := parseRecordTime(record)
	if err != nil {
		return AmplitudeRecord{}, &ParseError{Source: source, Err: err}
	}
	if ts.IsZero() {
		return AmplitudeRecord{}, &MissingTimeError{Source: source}
	}

	station, err := parseStation(record, agency)
	if err != nil {
		return AmplitudeRecord{}, &ParseError{Source: source, Err: err}
	}

	return AmplitudeRecord{
		Source:    source,
		Agency:    agency,
		Timestamp: ts,
		Station:   station,
		Channels:  parseComponents(record),
	}, nil
}

func decodeTree(data []byte) (*xmlNode, error) {
	clean := nonASCIIRe.ReplaceAll(data, []byte(" "))
	dec := xml.NewDecoder(bytes.NewReader(clean))
	// Only ASCII remains, which every declared charset agrees on.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	var root xmlNode
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// parseRecordTime reads record/timing/reference. A zero time with a nil error
// means the record carries no time at all.
func parseRecordTime(record *xmlNode) (time.Time, error) {
	timing := record.child("timing")
	if timing == nil {
		return time.Time{}, nil
	}
	reference := timing.child("reference")
	if reference == nil {
		return time.Time{}, nil
	}

	var pgmTime *xmlNode
	fields := map[string]int{}
	reference.walk(func(n *xmlNode) {
		switch tag := n.XMLName.Local; tag {
		case "PGMTime":
			if pgmTime == nil {
				pgmTime = n
			}
		case "year", "month", "day", "hour", "minute", "second", "msec":
			v, ok := n.attr("value")
			if !ok {
				return
			}
			if iv, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				fields[tag] = iv
			}
		}
	})

	if pgmTime != nil {
		return parsePGMTime(pgmTime.Text)
	}
	return timeFromFields(fields), nil
}

func parsePGMTime(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	var lastErr error
	for _, layout := range pgmTimeLayouts {
		t, err := time.Parse(layout, text)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parse PGMTime %q: %w", text, lastErr)
}

// timeFromFields assembles a UTC time from individual reference fields.
// Every field down to the second is required; milliseconds are optional.
func timeFromFields(fields map[string]int) time.Time {
	for _, k := range []string{"year", "month", "day", "hour", "minute", "second"} {
		if _, ok := fields[k]; !ok {
			return time.Time{}
		}
	}
	return time.Date(
		fields["year"], time.Month(fields["month"]), fields["day"],
		fields["hour"], fields["minute"], fields["second"],
		fields["msec"]*int(time.Millisecond), time.UTC,
	)
}

// parseStation reads the first station element; documents repeat the same
// station header once per component group.
func parseStation(record *xmlNode, agency string) (StationDescriptor, error) {
	st := record.child("station")
	if st == nil {
		return StationDescriptor{}, errors.New("no station element")
	}
	latText, _ := st.attr("lat")
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil {
		return StationDescriptor{}, fmt.Errorf("station lat %q: %w", latText, err)
	}
	lonText, _ := st.attr("lon")
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonText), 64)
	if err != nil {
		return StationDescriptor{}, fmt.Errorf("station lon %q: %w", lonText, err)
	}

	code, _ := st.attr("code")
	name, _ := st.attr("name")
	network, ok := st.attr("net")
	if !ok {
		network, ok = st.attr("netid")
	}
	if !ok {
		network = agency
	}

	return StationDescriptor{
		Network: network,
		Code:    code,
		Name:    name,
		Lat:     lat,
		Lon:     lon,
	}, nil
}

// parseComponents returns every acceptable component under the record.
// Components without a name cannot be keyed and are dropped.
func parseComponents(record *xmlNode) []ChannelRecord {
	var channels []ChannelRecord
	record.walk(func(n *xmlNode) {
		if n.XMLName.Local != "component" {
			return
		}
		if componentQuality(n) > maxQuality {
			return
		}
		name, _ := n.attr("name")
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		loc, _ := n.attr("loc")
		if strings.TrimSpace(loc) == "" {
			loc = defaultLocation
		}
		channels = append(channels, ChannelRecord{
			Name:     name,
			Location: loc,
			PGMs:     parseMeasurements(n),
		})
	})
	return channels
}

// componentQuality reads the COSMOS quality code; absent or unreadable codes
// count as 0.
func componentQuality(n *xmlNode) int {
	v, ok := n.attr("qual")
	if !ok {
		return 0
	}
	q, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return q
}

func parseMeasurements(component *xmlNode) []PGM {
	var pgms []PGM
	for i := range component.Nodes {
		n := &component.Nodes[i]
		tag := n.XMLName.Local
		if !acceptedTags[tag] {
			continue
		}
		text, _ := n.attr("value")
		value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil || !finite(value) {
			continue
		}

		imt := IMT(tag)
		if tag == "sa" {
			period, ok := n.attr("period")
			if !ok || strings.TrimSpace(period) == "" {
				continue
			}
			imt = SpectralIMT(period)
			if !imt.Valid() {
				continue
			}
			value /= gravity
		}
		if canonical, ok := legacyTags[tag]; ok {
			imt = canonical
		}
		if imt == IMTPGA {
			value /= gravity
		}
		pgms = append(pgms, PGM{IMT: imt, Value: value})
	}
	return pgms
}
