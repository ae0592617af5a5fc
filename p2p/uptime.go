package p2p

import "sync"

// UptimeTracker keeps a ring buffer of connectivity samples. A sample is
// "up" when the node had at least one peer at sampling time.
type UptimeTracker struct {
	mu      sync.Mutex
	samples []bool
	next    int
	filled  int
}

// DefaultUptimeSamples is a day of one-minute samples.
const DefaultUptimeSamples = 1440

// NewUptimeTracker keeps the last size samples, DefaultUptimeSamples when
// size is not positive.
func NewUptimeTracker(size int) *UptimeTracker {
	if size <= 0 {
		size = DefaultUptimeSamples
	}
	return &UptimeTracker{samples: make([]bool, size)}
}

// Record adds one sample, overwriting the oldest once full.
func (u *UptimeTracker) Record(up bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.samples[u.next] = up
	u.next = (u.next + 1) % len(u.samples)
	if u.filled < len(u.samples) {
		u.filled++
	}
}

// Percent is the share of up samples in [0, 100]. With no samples yet it
// reports 0.
func (u *UptimeTracker) Percent() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.filled == 0 {
		return 0
	}
	up := 0
	for i := 0; i < u.filled; i++ {
		if u.samples[i] {
			up++
		}
	}
	return float64(up) / float64(u.filled) * 100
}

// Samples returns how many samples are held.
func (u *UptimeTracker) Samples() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.filled
}
