package engine

import (
	"fmt"
	"math/rand/v2"
)

// pcgStream is the fixed second PCG seed word. Sessions differ only by
// their announced seed; the stream constant keeps state serialization
// stable across implementations.
const pcgStream = 0x9e3779b97f4a7c15

// Random is the synchronized pseudo-random source. Every participant
// seeds it from the session seed announced in the join response and
// advances it exactly once per consumption, so identical event streams
// consume identical random sequences. Its state serializes into
// snapshots so catch-up resumes the sequence mid-stream.
type Random struct {
	src  *rand.PCG
	rand *rand.Rand
}

// NewRandom creates a session random source from the shared seed.
func NewRandom(seed int64) *Random {
	src := rand.NewPCG(uint64(seed), pcgStream)
	return &Random{src: src, rand: rand.New(src)}
}

// Uint64 returns the next value in the shared random sequence.
func (r *Random) Uint64() uint64 {
	return r.rand.Uint64()
}

// Float64 returns the next value in [0, 1).
func (r *Random) Float64() float64 {
	return r.rand.Float64()
}

// IntN returns the next value in [0, n).
func (r *Random) IntN(n int) int {
	return r.rand.IntN(n)
}

// MarshalState serializes the generator state for snapshots.
func (r *Random) MarshalState() ([]byte, error) {
	state, err := r.src.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal rng state: %w", err)
	}
	return state, nil
}

// RestoreState loads generator state from a snapshot.
func (r *Random) RestoreState(state []byte) error {
	if err := r.src.UnmarshalBinary(state); err != nil {
		return fmt.Errorf("restore rng state: %w", err)
	}
	return nil
}
