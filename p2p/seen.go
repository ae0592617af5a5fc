package p2p

import (
	"crypto/sha256"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// SeenFilter deduplicates gossip payloads. Two bloom filters rotate: once the
// current generation holds genCapacity items it becomes the previous one and
// a fresh filter takes its place, so memory stays bounded and recent items
// are still recognised right after a rotation.
type SeenFilter struct {
	mu          sync.Mutex
	current     *bloom.BloomFilter
	previous    *bloom.BloomFilter
	count       uint
	genCapacity uint
	fpRate      float64
	generation  uint64
}

// NewSeenFilter creates a filter sized for genCapacity items per generation.
func NewSeenFilter(genCapacity uint, fpRate float64) *SeenFilter {
	if genCapacity == 0 {
		genCapacity = 50_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &SeenFilter{
		current:     bloom.NewWithEstimates(genCapacity, fpRate),
		genCapacity: genCapacity,
		fpRate:      fpRate,
	}
}

// CheckAndAdd reports whether data was already seen and records it.
func (f *SeenFilter) CheckAndAdd(data []byte) bool {
	sum := sha256.Sum256(data)
	key := sum[:]

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Test(key) || (f.previous != nil && f.previous.Test(key)) {
		return true
	}
	if f.count >= f.genCapacity {
		f.previous = f.current
		f.current = bloom.NewWithEstimates(f.genCapacity, f.fpRate)
		f.count = 0
		f.generation++
	}
	f.current.Add(key)
	f.count++
	return false
}

// Generation is the number of rotations so far.
func (f *SeenFilter) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}
