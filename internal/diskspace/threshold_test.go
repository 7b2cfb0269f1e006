package diskspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseThreshold_Percent(t *testing.T) {
	th, err := ParseThreshold("10%")
	require.NoError(t, err)
	assert.False(t, th.IsZero())
	assert.Equal(t, "10%", th.String())

	assert.True(t, th.Breached(Usage{Total: 1000, Free: 50}), "5%% free breaches a 10%% minimum")
	assert.False(t, th.Breached(Usage{Total: 1000, Free: 200}))
}

func TestParseThreshold_Absolute(t *testing.T) {
	th, err := ParseThreshold("25GB")
	require.NoError(t, err)

	assert.True(t, th.Breached(Usage{Total: 100e9, Free: 10e9}))
	assert.False(t, th.Breached(Usage{Total: 100e9, Free: 30e9}))
}

func TestParseThreshold_Invalid(t *testing.T) {
	for _, s := range []string{"tenpercent", "150%", "-5%", "10 bananas"} {
		_, err := ParseThreshold(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestParseThreshold_EmptyIsZero(t *testing.T) {
	th, err := ParseThreshold("")
	require.NoError(t, err)
	assert.True(t, th.IsZero())
	assert.False(t, th.Breached(Usage{Total: 100, Free: 0}))
}

func TestUsage_FreePercent(t *testing.T) {
	assert.InDelta(t, 25.0, Usage{Total: 1000, Free: 250}.FreePercent(), 0.001)
	assert.Zero(t, Usage{}.FreePercent())
}
