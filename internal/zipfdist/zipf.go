// Package zipfdist generates skewed random block offsets for workloads that
// request a Zipf-distributed access pattern instead of uniform random.
package zipfdist

import "math/rand"

// Generator produces Zipf-distributed block offsets within [0, numBlocks).
// It wraps math/rand's own Zipf sampler, which is the standard library's
// canonical implementation of this distribution; nothing in the surrounding
// ecosystem does Zipf sampling differently or better, so no third-party
// dependency is substituted here.
type Generator struct {
	rng     *rand.Rand
	zipf    *rand.Zipf
	uniform bool
	imax    uint64
}

// New builds a Generator over numBlocks offsets. s is the Zipf skew
// parameter (s > 1; values closer to 1 are flatter, larger values are more
// skewed toward low offsets) and v shifts the distribution's mode. A
// numBlocks of 0 or 1 degenerates to always returning 0.
func New(seed int64, s, v float64, numBlocks uint64) *Generator {
	g := &Generator{rng: rand.New(rand.NewSource(seed)), imax: numBlocks}
	if numBlocks <= 1 {
		g.uniform = true
		return g
	}
	g.zipf = rand.NewZipf(g.rng, s, v, numBlocks-1)
	return g
}

// NewUniform builds a Generator that produces uniformly distributed offsets
// in [0, numBlocks) instead of a Zipf skew. The engine's uniform random
// mode does not use it; nsctx.Context draws those offsets from its own RNG.
func NewUniform(seed int64, numBlocks uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), uniform: true, imax: numBlocks}
}

// Next returns the next offset, in blocks.
func (g *Generator) Next() uint64 {
	if g.imax == 0 {
		return 0
	}
	if g.uniform {
		return uint64(g.rng.Int63n(int64(g.imax)))
	}
	return g.zipf.Uint64()
}
