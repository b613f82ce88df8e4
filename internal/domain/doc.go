// Package domain models seismic peak-ground-motion (amplitude) reports and
// their association with earthquake origins.
//
// # Data Sources
//
// Amplitude documents arrive from seismic networks as XML, one document per
// station trigger, on the amplitude topic. Earthquake origins arrive as flat
// JSON descriptors on the origin topic. Both feeds are at-least-once: the same
// document or origin may be delivered many times.
//
// # Amplitude Document Conventions
//
// Structure:
//
//	<amplitudes agency="NC">
//	  <record>
//	    <timing><reference><PGMTime>2024-05-01T12:00:00.000000Z</PGMTime></reference></timing>
//	    <station code="ABC" name="Alpha" lat="37.5" lon="-122.1" net="NC"/>
//	    <component name="HNZ" loc="00" qual="1">
//	      <pga value="0.981"/><pgv value="1.2"/><sa period="0.3" value="2.1"/>
//	    </component>
//	  </record>
//	</amplitudes>
//
// Time:
//
//	An explicit PGMTime element (fractional or whole seconds, UTC, 'Z' suffix)
//	wins. Otherwise year/month/day/hour/minute/second and optional msec
//	elements, each carrying a "value" attribute, are read from anywhere under
//	the reference element. Documents with neither carry no association value
//	and are skipped.
//
// Encoding:
//
//	Field feeds emit station names in assorted legacy encodings. Every run of
//	non-ASCII bytes is replaced with a single space before parsing.
//
// Network:
//
//	Read from the station "net" attribute, then "netid", then the document
//	agency.
//
// Quality:
//
//	COSMOS quality codes above 4 drop the whole component. Codes that are
//	absent or not integers count as 0.
//
// # Intensity Measure Types
//
//	pga    peak ground acceleration, document m/s^2 divided by 9.81
//	pgv    peak ground velocity, stored as reported
//	psaNN  spectral acceleration, divided by 9.81; NN is the period with the
//	       decimal point removed ("0.3" -> psa03, "1.0" -> psa10)
//
// Legacy names acc and vel collapse to pga and pgv. Any other element is
// ignored, as is any value that does not parse as a finite number.
//
// # Association
//
// A station is associated with an origin when it is unassociated, its
// timestamp lies strictly within (origin-60s, origin+180s) and its
// great-circle distance from the epicentre is under 500 km. The expected
// P arrival offset (distance / 4.2 km/s) is reported for diagnostics only.
// Reports for the same network and station code within 10 s of each other
// describe one station and are merged into it.
//
// # Clock
//
// Load times and retention cutoffs are taken from a package clock that tests
// replace with [SetClock].
package domain
