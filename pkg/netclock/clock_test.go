package netclock

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockIsMonotonic(t *testing.T) {
	now := SystemClock{}.Now()
	// Round(0) strips the monotonic reading, so only a time that has one
	// prints differently.
	assert.True(t, strings.Contains(now.String(), "m=+"), now.String())
	assert.NotEqual(t, now.String(), now.Round(0).String())

	later := SystemClock{}.Now()
	assert.GreaterOrEqual(t, later.Sub(now), time.Duration(0))
}

func TestPrecisionOf(t *testing.T) {
	assert.Equal(t, maxPrecision, precisionOf(time.Nanosecond))
	assert.Equal(t, maxPrecision, precisionOf(0))
	assert.Equal(t, int8(-8), precisionOf(2*time.Millisecond))
	assert.Equal(t, int8(-10), precisionOf(time.Millisecond-24*time.Microsecond))
	assert.Equal(t, int8(0), precisionOf(time.Second))
	assert.GreaterOrEqual(t, localPrecision, maxPrecision)
	assert.LessOrEqual(t, localPrecision, int8(0))
}
