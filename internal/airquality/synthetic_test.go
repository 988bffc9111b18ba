package airquality

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateShape(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	gen := NewGenerator(clockwork.NewFakeClockAt(now), rand.New(rand.NewPCG(1, 2)))

	readings := gen.Generate(50)

	require.Len(t, readings, 50)
	for _, r := range readings {
		assert.Equal(t, SourceSynthetic, r.Source)
		assert.NoError(t, ValidateReading(r))
		assert.False(t, r.ObservedAt.After(now))
		assert.True(t, r.ObservedAt.After(now.Add(-24*time.Hour)))
		require.NotNil(t, r.AQI)
		require.NotNil(t, r.Category)
		assert.Equal(t, CategoryForAQI(*r.AQI), *r.Category)
		assert.NotEmpty(t, r.State)
		assert.Regexp(t, `^synthetic_\d{4}$`, r.SiteID)
	}
}

func TestGenerateClampsCount(t *testing.T) {
	gen := NewGenerator(nil, rand.New(rand.NewPCG(3, 4)))
	assert.Len(t, gen.Generate(0), 1)
	assert.Len(t, gen.Generate(MaxSyntheticReadings+10), MaxSyntheticReadings)
}

func TestInterpolateAQI(t *testing.T) {
	ozone := [6]float64{0, 54, 70, 85, 105, 200}
	assert.Equal(t, 0, interpolateAQI(0, ozone))
	assert.Equal(t, 50, interpolateAQI(54, ozone))
	assert.Equal(t, 75, interpolateAQI(62, ozone))
	assert.Equal(t, 300, interpolateAQI(200, ozone))
	assert.Greater(t, interpolateAQI(250, ozone), 300)
}
