package hlc

import (
	"testing"
	"time"
)

func TestMonotonic(t *testing.T) {
	c := New()
	prev := c.Now()
	for i := 0; i < 1000; i++ {
		n := c.Now()
		if n <= prev {
			t.Fatalf("clock is not monotonic: %d <= %d", n, prev)
		}
		prev = n
	}
}

func TestMergeMovesAhead(t *testing.T) {
	c := New()
	local := c.Now()

	// remote ahead of local by a few logical steps
	remote := local + 100

	merged := c.Merge(remote)
	if merged <= remote {
		t.Fatalf("merge did not move ahead: merged=%d remote=%d", merged, remote)
	}
	if n := c.Now(); n <= merged {
		t.Fatalf("tick after merge not ahead: %d <= %d", n, merged)
	}
}

func TestUnpackWallComponent(t *testing.T) {
	c := New()

	start := time.Now().UnixNano() >> 16
	tick := c.Now()
	end := time.Now().UnixNano() >> 16

	wall, _ := Unpack(tick)
	phys := wall.UnixNano() >> 16
	if phys < start || phys > end {
		t.Fatalf("wall component %d not within [%d,%d]", phys, start, end)
	}
}
