package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFillPercent(t *testing.T) {
	assert.Equal(t, 0.0, FillPercent(0, 100))
	assert.Equal(t, 50.0, FillPercent(50, 100))
	assert.Equal(t, 100.0, FillPercent(100, 100))
	assert.Equal(t, 100.0, FillPercent(150, 100))
	assert.Equal(t, 0.0, FillPercent(10, 0))
	assert.Equal(t, 0.0, FillPercent(-5, 100))
}

func TestTokensNeeded(t *testing.T) {
	assert.Equal(t, 0, TokensNeeded(0))
	assert.Equal(t, 0, TokensNeeded(-3))
	assert.Equal(t, 7, TokensNeeded(1))
	assert.Equal(t, 700, TokensNeeded(100))
}

func TestHasEnough(t *testing.T) {
	assert.True(t, HasEnough(70, 70))
	assert.True(t, HasEnough(0, 0))
	assert.False(t, HasEnough(71, 70))
}

func TestMinutesToRefill(t *testing.T) {
	assert.Equal(t, 0, MinutesToRefill(0, 20))
	assert.Equal(t, 0, MinutesToRefill(-10, 20))
	assert.Equal(t, 1, MinutesToRefill(20, 20))
	assert.Equal(t, 2, MinutesToRefill(21, 20))
	assert.Equal(t, -1, MinutesToRefill(21, 0))
}

func TestSnapshotHelpers(t *testing.T) {
	s := Snapshot{Available: 30, Max: 120}
	assert.Equal(t, 25.0, s.Fill())
	assert.Equal(t, DefaultRegenPerMinute, s.Regen())

	s.RegenPerMinute = 5
	assert.Equal(t, 5, s.Regen())
}
