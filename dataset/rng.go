package dataset

import (
	"math/rand/v2"
)

// Shuffler is the seeded source of every permutation in an index-map build.
// One Shuffler is threaded through a whole build, so the order in which the
// builders draw from it is part of the output.
type Shuffler interface {
	// Shuffle permutes n elements through swap.
	Shuffle(n int, swap func(i, j int))
}

// ShufflerFactory creates the Shuffler for a seed.
type ShufflerFactory func(seed uint32) Shuffler

const (
	mtN         = 624
	mtM         = 397
	mtMatrixA   = 0x9908b0df
	mtUpperMask = 0x80000000
	mtLowerMask = 0x7fffffff
)

// MT19937 reproduces numpy's legacy `RandomState(seed)`: a 32-bit Mersenne
// Twister seeded with init_genrand, and `RandomState.shuffle`'s Fisher-Yates
// walk from the last element down, each bound drawn by masked rejection
// sampling. Permutations therefore match numpy's for the same seed and
// sequence of calls.
type MT19937 struct {
	state [mtN]uint32
	pos   int
}

func NewMT19937(seed uint32) Shuffler {
	mt := &MT19937{}
	mt.state[0] = seed
	for i := 1; i < mtN; i++ {
		prev := mt.state[i-1]
		mt.state[i] = 1812433253*(prev^(prev>>30)) + uint32(i)
	}
	mt.pos = mtN
	return mt
}

func (mt *MT19937) generate() {
	for i := 0; i < mtN; i++ {
		y := (mt.state[i] & mtUpperMask) | (mt.state[(i+1)%mtN] & mtLowerMask)
		v := mt.state[(i+mtM)%mtN] ^ (y >> 1)
		if y&1 != 0 {
			v ^= mtMatrixA
		}
		mt.state[i] = v
	}
	mt.pos = 0
}

// Uint32 returns the next tempered output.
func (mt *MT19937) Uint32() uint32 {
	if mt.pos >= mtN {
		mt.generate()
	}
	y := mt.state[mt.pos]
	mt.pos++
	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	return y
}

// Uint64 joins two outputs, high word first.
func (mt *MT19937) Uint64() uint64 {
	hi := uint64(mt.Uint32())
	return hi<<32 | uint64(mt.Uint32())
}

// Interval returns a uniform value in [0, max].
func (mt *MT19937) Interval(max uint64) uint64 {
	if max == 0 {
		return 0
	}
	mask := max
	mask |= mask >> 1
	mask |= mask >> 2
	mask |= mask >> 4
	mask |= mask >> 8
	mask |= mask >> 16
	mask |= mask >> 32
	if max <= 0xffffffff {
		for {
			if v := uint64(mt.Uint32()) & mask; v <= max {
				return v
			}
		}
	}
	for {
		if v := mt.Uint64() & mask; v <= max {
			return v
		}
	}
}

func (mt *MT19937) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, int(mt.Interval(uint64(i))))
	}
}

// NewPCG is a Shuffler backed by math/rand/v2's PCG, for callers that do not
// need numpy-compatible permutations.
func NewPCG(seed uint32) Shuffler {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

func shuffleInt64(rng Shuffler, values []int64) {
	rng.Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
}

func shuffleInt32(rng Shuffler, values []int32) {
	rng.Shuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})
}

func arange(n int) []int64 {
	values := make([]int64, n)
	for i := range values {
		values[i] = int64(i)
	}
	return values
}
