package markov

import (
	"markovnet/internal/device"
	"markovnet/internal/model"
	"markovnet/internal/prng"
)

// updateNode evaluates one node, reading prev and writing only the node's own
// slots in cur. It returns the draw trace word for the node.
func updateNode(n *model.Node, index, seed uint32, prev, cur []float32) uint32 {
	switch n.Kind {
	case model.KindInput:
		for _, slot := range n.Outputs {
			cur[slot] = prev[slot]
		}
	case model.KindOutput, model.KindHidden:
		var v float32
		for _, slot := range n.Inputs {
			if prev[slot] > 0 {
				v = 1
				break
			}
		}
		for _, slot := range n.Outputs {
			cur[slot] = v
		}
	case model.KindGate:
		row := inputPattern(n.Inputs, prev)
		col := drawColumn(n.Table.Row(row), prng.Draw(seed, index))
		for j, slot := range n.Outputs {
			cur[slot] = float32((col >> j) & 1)
		}
		return uint32(row)<<16 | uint32(col)
	}
	return device.TraceNone
}

func inputPattern(slots []int, prev []float32) int {
	row := 0
	for i, slot := range slots {
		if prev[slot] > 0 {
			row |= 1 << i
		}
	}
	return row
}

// drawColumn picks the column whose cumulative weight first exceeds
// r mod total.
func drawColumn(weights []uint32, r uint32) int {
	var total uint32
	for _, w := range weights {
		total += w
	}
	r %= total
	var cum uint32
	for col, w := range weights {
		cum += w
		if cum > r {
			return col
		}
	}
	return len(weights) - 1
}
