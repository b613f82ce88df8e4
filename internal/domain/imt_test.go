package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpectralIMT(t *testing.T) {
	assert.Equal(t, IMT("psa03"), SpectralIMT("0.3"))
	assert.Equal(t, IMT("psa10"), SpectralIMT("1.0"))
	assert.Equal(t, IMT("psa30"), SpectralIMT(" 3.0 "))
}

func TestIMT_Valid(t *testing.T) {
	for _, imt := range []IMT{"pga", "pgv", "psa03", "psa10", "psa100"} {
		assert.True(t, imt.Valid(), imt)
	}
	for _, imt := range []IMT{"", "acc", "sa", "psa", "psa0.3", "psaX", "PGA"} {
		assert.False(t, imt.Valid(), imt)
	}
}

func TestIMT_FamilyAndUnit(t *testing.T) {
	tests := []struct {
		imt    IMT
		family string
		unit   string
	}{
		{IMTPGA, "PGA", "%g"},
		{IMTPGV, "PGV", "cm/s"},
		{"psa03", "SA", "%g"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.family, tt.imt.Family())
		assert.Equal(t, tt.unit, tt.imt.Unit())
	}
}

func TestIMT_Period(t *testing.T) {
	tests := []struct {
		imt  IMT
		want float64
	}{
		{"psa03", 0.3},
		{"psa3", 0.3},
		{"psa10", 1.0},
		{"psa30", 3.0},
		{"psa100", 10.0},
		{"psa003", 0.03},
		{"psa0075", 0.075},
	}
	for _, tt := range tests {
		t.Run(string(tt.imt), func(t *testing.T) {
			got, ok := tt.imt.Period()
			assert.True(t, ok)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}

	_, ok := IMTPGA.Period()
	assert.False(t, ok)
}
