package markov

import (
	"fmt"

	"markovnet/internal/codec"
	"markovnet/internal/model"
	"markovnet/internal/nodetable"
)

const (
	// PreambleLen bytes declare the input, output and hidden node counts.
	PreambleLen = 3

	StartCodon     byte = 42
	StartCodonPair byte = 213
)

// Decode reads genome into a header and node table.
//
// Addressable nodes come first (inputs, outputs, hidden), each owning the
// state slot equal to its index. Gates follow in genome order. A gate reads
// addressable slots and writes its own fresh slots; each written bit is
// OR-ed into its target output or hidden node on the next tick.
func Decode(genome []byte, opts codec.Options) (model.Header, []model.Node, error) {
	if err := opts.Validate(); err != nil {
		return model.Header{}, nil, err
	}
	if len(genome) < PreambleLen {
		return model.Header{}, nil, fmt.Errorf("%w: %d bytes, preamble needs %d", ErrGenomeTooShort, len(genome), PreambleLen)
	}

	h := model.Header{
		Inputs:  int(genome[0]),
		Outputs: int(genome[1]),
		Hidden:  int(genome[2]),
	}
	addressable := h.Addressable()
	writable := h.Outputs + h.Hidden

	nodes := make([]model.Node, 0, addressable)
	for i := 0; i < addressable; i++ {
		kind := model.KindHidden
		switch {
		case i < h.Inputs:
			kind = model.KindInput
		case i < h.Inputs+h.Outputs:
			kind = model.KindOutput
		}
		n := model.Node{Kind: kind, Outputs: []int{i}}
		if kind == model.KindInput {
			n.Inputs = []int{i}
		}
		nodes = append(nodes, n)
	}
	h.StateLen = addressable

	if writable > 0 {
		for p := PreambleLen; p+1 < len(genome); {
			if genome[p] != StartCodon || genome[p+1] != StartCodonPair {
				p++
				continue
			}
			gate, next, err := decodeGate(genome, p, opts, h)
			if err != nil {
				return model.Header{}, nil, err
			}
			for j, slot := range gate.Outputs {
				target := h.Inputs + int(genome[p+4+len(gate.Inputs)+j])%writable
				nodes[target].Inputs = append(nodes[target].Inputs, slot)
			}
			nodes = append(nodes, gate)
			h.StateLen += len(gate.Outputs)
			h.Gates++
			p = next
		}
	}

	h.Nodes = len(nodes)
	if h.Nodes == 0 {
		return model.Header{}, nil, ErrNoNodes
	}
	h.Footprint = nodetable.Footprint(nodes, h.StateLen)
	return h, nodes, nil
}

// decodeGate reads the gate whose start codon sits at p. It returns the gate
// and the offset just past its body.
func decodeGate(genome []byte, p int, opts codec.Options, h model.Header) (model.Node, int, error) {
	q := p + 2
	if q+2 > len(genome) {
		return model.Node{}, 0, fmt.Errorf("%w: gate at %d has no arity codons", ErrGenomeTooShort, p)
	}
	k := opts.NumInputs(genome[q])
	m := opts.NumOutputs(genome[q+1])
	q += 2

	rows, cols := 1<<k, 1<<m
	if end := q + k + m + rows*cols; end > len(genome) {
		return model.Node{}, 0, fmt.Errorf("%w: gate at %d needs %d bytes, genome has %d", ErrGenomeTooShort, p, end, len(genome))
	}

	gate := model.Node{
		Kind:    model.KindGate,
		Inputs:  make([]int, k),
		Outputs: make([]int, m),
	}
	for i := range gate.Inputs {
		gate.Inputs[i] = int(genome[q+i]) % h.Addressable()
	}
	q += k
	for j := range gate.Outputs {
		gate.Outputs[j] = h.StateLen + j
	}
	q += m

	table := model.Table{Rows: rows, Cols: cols, Weights: make([]uint32, rows*cols)}
	for i := range table.Weights {
		table.Weights[i] = uint32(genome[q+i])
	}
	for row := 0; row < rows; row++ {
		var total uint32
		for _, w := range table.Row(row) {
			total += w
		}
		if total == 0 {
			return model.Node{}, 0, fmt.Errorf("%w: gate at %d row %d has no weight", ErrMalformedTable, p, row)
		}
	}
	gate.Table = &table
	return gate, q + rows*cols, nil
}
