// Package hlc implements a hybrid logical clock. The engine stamps every
// admitted mutation with a tick so that log lines, checkpoints, and the
// inspect tool can order events across sessions even when wall clocks skew.
package hlc

import (
	"sync"
	"time"
)

// Clock hands out ticks that pack a truncated wall time in the high 48
// bits and a logical counter in the low 16. Ticks from one clock are
// strictly monotonic.
type Clock struct {
	mu       sync.Mutex
	lastWall int64
	logical  uint32
}

func New() *Clock {
	return &Clock{}
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := time.Now().UnixNano() >> 16
	if wall <= c.lastWall {
		c.logical++
	} else {
		c.lastWall = wall
		c.logical = 0
	}

	return (uint64(c.lastWall) << 16) | (uint64(c.logical) & 0xFFFF)
}

// Merge folds a remote tick into the clock and returns a tick strictly
// greater than both the remote and any tick handed out locally so far.
func (c *Clock) Merge(remote uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := (uint64(c.lastWall) << 16) | (uint64(c.logical) & 0xFFFF)
	nowTick := uint64(time.Now().UnixNano()) >> 16

	base := max(remote, max(nowTick, local))

	merged := base + 1

	c.lastWall = int64(merged >> 16)
	c.logical = uint32(merged & 0xFFFF)
	return merged
}

// Unpack splits a tick into its wall-clock and logical components.
func Unpack(tick uint64) (wall time.Time, logical uint16) {
	return time.Unix(0, int64(tick>>16)<<16), uint16(tick & 0xFFFF)
}
