package mem

// LCG is the deterministic pseudo-random generator used by the allocator
// self-checks. The same seed always yields the same sequence so that a failed
// check can be replayed.
type LCG struct {
	state uint64
}

// NewLCG returns a generator initialized with seed.
func NewLCG(seed uint64) *LCG {
	return &LCG{state: seed}
}

// Uint32 advances the generator and returns the high 32 bits of its state.
func (g *LCG) Uint32() uint32 {
	g.state = g.state*6364136223846793005 + 1
	return uint32(g.state >> 32)
}

// Intn returns a pseudo-random value in [0, n). n must be positive.
func (g *LCG) Intn(n int) int {
	return int(g.Uint32() % uint32(n))
}
