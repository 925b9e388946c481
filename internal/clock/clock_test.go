package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2024, 3, 4, 2, 0, 0, 0, time.FixedZone("UTC+7", 7*60*60))
	c := NewFakeClock(start)

	assert.Equal(t, time.UTC, c.Now().Location())
	c.Advance(24 * time.Hour)
	assert.True(t, c.Now().Equal(start.Add(24*time.Hour)))
}

func TestSystemClockIsUTC(t *testing.T) {
	var c Clock = SystemClock{}
	assert.Equal(t, time.UTC, c.Now().Location())
}
