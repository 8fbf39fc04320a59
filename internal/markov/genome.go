package markov

import (
	"fmt"
	"math/rand"

	"markovnet/internal/codec"
)

// Layout fixes the addressable node counts written into a genome preamble.
type Layout struct {
	Inputs  int `json:"inputs" yaml:"inputs"`
	Outputs int `json:"outputs" yaml:"outputs"`
	Hidden  int `json:"hidden" yaml:"hidden"`
}

// RandomGenome writes a genome with exactly gates well-formed gates separated
// by filler that never forms a start codon. Every table weight is non-zero.
func RandomGenome(rng *rand.Rand, layout Layout, gates int, opts codec.Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, v := range []int{layout.Inputs, layout.Outputs, layout.Hidden} {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("layout count out of byte range: %d", v)
		}
	}
	if gates > 0 && layout.Outputs+layout.Hidden == 0 {
		return nil, fmt.Errorf("gates need at least one output or hidden node")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	genome := []byte{byte(layout.Inputs), byte(layout.Outputs), byte(layout.Hidden)}
	for g := 0; g < gates; g++ {
		genome = appendFiller(rng, genome, rng.Intn(16))
		inCodon, outCodon := byte(rng.Intn(256)), byte(rng.Intn(256))
		k, m := opts.NumInputs(inCodon), opts.NumOutputs(outCodon)
		genome = append(genome, StartCodon, StartCodonPair, inCodon, outCodon)
		for i := 0; i < k+m; i++ {
			genome = append(genome, byte(rng.Intn(256)))
		}
		for i := 0; i < (1<<k)*(1<<m); i++ {
			genome = append(genome, byte(1+rng.Intn(255)))
		}
	}
	return appendFiller(rng, genome, rng.Intn(16)), nil
}

func appendFiller(rng *rand.Rand, genome []byte, n int) []byte {
	for i := 0; i < n; i++ {
		b := byte(rng.Intn(256))
		if b == StartCodon {
			b++
		}
		genome = append(genome, b)
	}
	return genome
}
