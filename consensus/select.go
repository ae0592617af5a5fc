package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/rand"
	"sort"
)

// epsilon matches the float64 machine epsilon.
const epsilon = 2.220446049250313e-16

// weightScale turns a score into a selection weight.
const weightScale = 1000.0

var ErrEmptyPool = errors.New("validator pool is empty")

// Seed is a 128-bit big-endian selection seed.
type Seed [16]byte

// DeriveSeed returns sha256(prevHash || be64(epoch))[0:16].
func DeriveSeed(prevHash [32]byte, epoch uint64) Seed {
	return DeriveSlotSeed(prevHash, epoch, 0)
}

// DeriveSlotSeed derives the seed for a fallback round. Round 0 is DeriveSeed.
func DeriveSlotSeed(prevHash [32]byte, epoch uint64, round uint32) Seed {
	buf := make([]byte, 0, 32+8+4)
	buf = append(buf, prevHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, epoch)
	if round > 0 {
		buf = binary.BigEndian.AppendUint32(buf, round)
	}
	sum := sha256.Sum256(buf)
	var s Seed
	copy(s[:], sum[:16])
	return s
}

// Fraction maps the seed to [0, 1) as seed / 2^128.
func (s Seed) Fraction() float64 {
	hi := binary.BigEndian.Uint64(s[:8])
	lo := binary.BigEndian.Uint64(s[8:])
	f := (float64(hi)*0x1p64 + float64(lo)) / 0x1p128
	// Rounding can land exactly on 1 for seeds near the top of the range.
	if f >= 1 {
		f = 0x1.fffffffffffffp-1
	}
	return f
}

// Low64 returns the low 64 bits of the seed.
func (s Seed) Low64() uint64 {
	return binary.BigEndian.Uint64(s[8:])
}

func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

type weighted struct {
	id     string
	weight float64
}

// weights returns pool entries in lexicographic id order with their weights.
func (s *Scorer) weights(pool map[string]NodeMetrics) ([]weighted, float64) {
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]weighted, len(ids))
	total := 0.0
	for i, id := range ids {
		w := s.Score(pool[id]) * weightScale
		if w < 0 {
			w = 0
		}
		out[i] = weighted{id: id, weight: w}
		total += w
	}
	return out, total
}

func pickCumulative(entries []weighted, pick float64) string {
	cum := 0.0
	last := ""
	for _, e := range entries {
		if e.weight <= 0 {
			continue
		}
		cum += e.weight
		last = e.id
		if pick < cum {
			return e.id
		}
	}
	return last
}

// SelectValidator picks the producer for a slot. The result depends only on
// the pool contents, the scoring config and the seed.
func (s *Scorer) SelectValidator(pool map[string]NodeMetrics, seed Seed) (string, error) {
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	entries, total := s.weights(pool)
	if total <= epsilon {
		return entries[seed.Low64()%uint64(len(entries))].id, nil
	}
	return pickCumulative(entries, seed.Fraction()*total), nil
}

// SelectValidatorRand is SelectValidator driven by a local RNG.
func (s *Scorer) SelectValidatorRand(pool map[string]NodeMetrics, rng *rand.Rand) (string, error) {
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	entries, total := s.weights(pool)
	if total <= epsilon {
		return entries[0].id, nil
	}
	return pickCumulative(entries, rng.Float64()*total), nil
}
