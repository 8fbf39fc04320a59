// Package prng provides the stateless random draw used by gate nodes.
//
// Host and device execution both key every draw by (tick seed, node index)
// through the same 32-bit mixer, so no generator state has to be carried
// across the accelerator boundary.
package prng

const golden = 0x9e3779b9

// Mix is the lowbias32 integer hash.
func Mix(x uint32) uint32 {
	x ^= x >> 16
	x *= 0x7feb352d
	x ^= x >> 15
	x *= 0x846ca68b
	x ^= x >> 16
	return x
}

// Draw returns the random word consumed by node at the tick keyed by seed.
func Draw(seed, node uint32) uint32 {
	return Mix(seed ^ Mix(node+golden))
}

// WGSL is the device-side rendition of Mix and Draw. It must stay in lock
// step with the Go functions above.
const WGSL = `
fn prng_mix(v: u32) -> u32 {
	var x = v;
	x = x ^ (x >> 16u);
	x = x * 0x7feb352du;
	x = x ^ (x >> 15u);
	x = x * 0x846ca68bu;
	x = x ^ (x >> 16u);
	return x;
}

fn prng_draw(seed: u32, node: u32) -> u32 {
	return prng_mix(seed ^ prng_mix(node + 0x9e3779b9u));
}
`

// SeedStream derives a reproducible sequence of per-tick seeds from a base.
type SeedStream struct {
	base uint32
	salt uint32
	tick uint32
}

func NewSeedStream(base int64) *SeedStream {
	return &SeedStream{
		base: uint32(base),
		salt: Mix(uint32(uint64(base) >> 32)),
	}
}

func (s *SeedStream) Next() uint32 {
	seed := Mix(s.base ^ s.salt ^ Mix(s.tick*golden))
	s.tick++
	return seed
}

// Ticks returns how many seeds have been issued.
func (s *SeedStream) Ticks() uint32 {
	return s.tick
}
