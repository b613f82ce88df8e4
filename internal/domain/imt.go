package domain

import (
	"strconv"
	"strings"
)

// IMT is an intensity-measure-type label: "pga", "pgv" or "psa<digits>" where
// the digits are the spectral period with its decimal point removed.
type IMT string

const (
	IMTPGA IMT = "pga"
	IMTPGV IMT = "pgv"

	spectralPrefix = "psa"

	// gravity converts document accelerations to the stored unit.
	gravity = 9.81

	// SpectralDamping is the damping ratio reported for every spectral value.
	SpectralDamping = 0.05
)

// acceptedTags lists the measurement element names the parser keeps.
var acceptedTags = map[string]bool{
	"acc": true,
	"vel": true,
	"sa":  true,
	"pga": true,
	"pgv": true,
}

// legacyTags collapses legacy element names into their canonical labels.
var legacyTags = map[string]IMT{
	"acc": IMTPGA,
	"vel": IMTPGV,
}

// units maps an IMT family to the unit published in exports.
var units = map[string]string{
	"PGA": "%g",
	"PGV": "cm/s",
	"SA":  "%g",
}

// SpectralIMT encodes a spectral period ("0.3", "1.0") as an IMT label.
func SpectralIMT(period string) IMT {
	return IMT(spectralPrefix + strings.ReplaceAll(strings.TrimSpace(period), ".", ""))
}

// IsSpectral reports whether the label is a spectral acceleration.
func (i IMT) IsSpectral() bool {
	return strings.HasPrefix(string(i), spectralPrefix)
}

// Valid reports whether the label belongs to the recognised enumeration.
func (i IMT) Valid() bool {
	switch i {
	case IMTPGA, IMTPGV:
		return true
	}
	if !i.IsSpectral() {
		return false
	}
	digits := strings.TrimPrefix(string(i), spectralPrefix)
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Family returns the export family name: "PGA", "PGV" or "SA".
func (i IMT) Family() string {
	if i.IsSpectral() {
		return "SA"
	}
	return strings.ToUpper(string(i))
}

// Unit returns the physical unit for the label's family.
func (i IMT) Unit() string {
	return units[i.Family()]
}

// Period decodes the spectral period in seconds. Encoded periods keep one
// decimal place, so "03" is 0.3, "10" is 1.0 and "100" is 10.0; a leading
// zero marks a sub-decimal period ("003" is 0.03).
func (i IMT) Period() (float64, bool) {
	if !i.Valid() || !i.IsSpectral() {
		return 0, false
	}
	digits := strings.TrimPrefix(string(i), spectralPrefix)
	var text string
	switch {
	case len(digits) == 1:
		text = "0." + digits
	case digits[0] == '0':
		text = "0." + digits[1:]
	default:
		text = digits[:len(digits)-1] + "." + digits[len(digits)-1:]
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
