package conn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoublesPerAttempt(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	assert.Equal(t, 1*time.Second, Delay(1, base, ceiling))
	assert.Equal(t, 2*time.Second, Delay(2, base, ceiling))
	assert.Equal(t, 4*time.Second, Delay(3, base, ceiling))
	assert.Equal(t, 8*time.Second, Delay(4, base, ceiling))
	assert.Equal(t, 16*time.Second, Delay(5, base, ceiling))
}

func TestDelayCapsAtCeiling(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	assert.Equal(t, ceiling, Delay(6, base, ceiling))
	assert.Equal(t, ceiling, Delay(20, base, ceiling))
}

func TestDelayHandlesDegenerateAttempts(t *testing.T) {
	base := time.Second
	ceiling := 30 * time.Second

	assert.Equal(t, time.Duration(0), Delay(0, base, ceiling))
	assert.Equal(t, time.Duration(0), Delay(-3, base, ceiling))
	assert.Equal(t, time.Duration(0), Delay(1, 0, ceiling))
}
