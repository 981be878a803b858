package signal

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/Presence/internal/domain"
)

// RoomRateLimiter is a sliding window limiter on join attempts per member.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.MemberAddr][]time.Time
	limit    int
	interval time.Duration
	clock    clock.Clock
}

func NewRoomRateLimiter(limit int, interval time.Duration, clk clock.Clock) *RoomRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RoomRateLimiter{
		history:  make(map[domain.MemberAddr][]time.Time),
		limit:    limit,
		interval: interval,
		clock:    clk,
	}
}

func (rl *RoomRateLimiter) Allow(member domain.MemberAddr) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[member]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[member] = fresh
		return false
	}
	rl.history[member] = append(fresh, now)
	return true
}

// Forget drops the member's history once its connection is gone.
func (rl *RoomRateLimiter) Forget(member domain.MemberAddr) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, member)
}
