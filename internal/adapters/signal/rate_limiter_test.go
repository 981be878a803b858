package signal

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRoomRateLimiter(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRoomRateLimiter(2, 10*time.Second, clk)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "members are limited independently")

	clk.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))

	rl.Forget("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRoomRateLimiterDisabled(t *testing.T) {
	var rl *RoomRateLimiter
	assert.True(t, rl.Allow("a"))
	rl = NewRoomRateLimiter(0, time.Second, nil)
	for range 10 {
		assert.True(t, rl.Allow("a"))
	}
}
