package cqt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISO226ReferenceGain(t *testing.T) {
	var c ISO226

	// 1 kHz is the reference and corrects to itself.
	assert.InDelta(t, 0.0, c.GainDB(1000), 1e-9)

	// The iso-loud SPL at 20 Hz sits roughly 45 dB above the 1 kHz
	// reference on the 70 phon contour.
	at20 := c.GainDB(20)
	assert.InDelta(t, 45.0, -at20, 5.0)

	// Spot value checked against the libiso226 C implementation.
	assert.InDelta(t, -42.125954, at20, 0.05)
}

func TestISO226ClampsOutsideTable(t *testing.T) {
	var c ISO226
	require.Equal(t, c.GainDB(12500), c.GainDB(20000))
	require.Equal(t, c.GainDB(20), c.GainDB(5))
}

func TestCurveByName(t *testing.T) {
	for _, name := range []string{"", "flat", "iso226"} {
		_, err := CurveByName(name)
		require.NoError(t, err)
	}
	_, err := CurveByName("bark")
	require.Error(t, err)
}
