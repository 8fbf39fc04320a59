// Package nodetable defines the flat uint32 image a network is mirrored into
// for device execution.
//
// Layout (32-bit words):
//
//	[0]  magic
//	[1]  layout version
//	[2]  inputs   [3] outputs   [4] hidden   [5] gates
//	[6]  node count
//	[7]  state length
//	[8, 8+nodes)  directory: word offset of each node record
//	records:      kind, nIn, nOut, inputs[nIn], outputs[nOut], table
//
// A gate table holds 2^nIn rows of 2^nOut cumulative weights. Non-gate
// records have no table words.
package nodetable

import (
	"errors"
	"fmt"

	"markovnet/internal/model"
)

const (
	Magic   uint32 = 0x4e564b4d
	Version uint32 = 1

	HeaderWords = 8
	RecordWords = 3
	WordBytes   = 4

	MaxCumulative = 1 << 24
)

const (
	wordMagic = iota
	wordVersion
	wordInputs
	wordOutputs
	wordHidden
	wordGates
	wordNodes
	wordStateLen
)

var (
	ErrFootprintMismatch = errors.New("footprint mismatch")
	ErrCorruptImage      = errors.New("corrupt node table image")
	ErrHeaderMismatch    = errors.New("header does not match node table")
)

func tableWords(n model.Node) int {
	if n.Kind != model.KindGate {
		return 0
	}
	return (1 << len(n.Inputs)) * (1 << len(n.Outputs))
}

// RecordSize is the word count of one node record.
func RecordSize(n model.Node) int {
	return RecordWords + len(n.Inputs) + len(n.Outputs) + tableWords(n)
}

// Words is the image size for nodes, excluding state buffers.
func Words(nodes []model.Node) int {
	total := HeaderWords + len(nodes)
	for _, n := range nodes {
		total += RecordSize(n)
	}
	return total
}

// Footprint is the byte size of the image plus both state buffers.
func Footprint(nodes []model.Node, stateLen int) int {
	return (Words(nodes) + 2*stateLen) * WordBytes
}

// Encode packs nodes into an image and cross-checks it against header.
func Encode(h model.Header, nodes []model.Node) ([]uint32, error) {
	if err := checkHeader(h, nodes); err != nil {
		return nil, err
	}

	image := make([]uint32, HeaderWords+len(nodes), Words(nodes))
	image[wordMagic] = Magic
	image[wordVersion] = Version
	image[wordInputs] = uint32(h.Inputs)
	image[wordOutputs] = uint32(h.Outputs)
	image[wordHidden] = uint32(h.Hidden)
	image[wordGates] = uint32(h.Gates)
	image[wordNodes] = uint32(h.Nodes)
	image[wordStateLen] = uint32(h.StateLen)

	for i, n := range nodes {
		image[HeaderWords+i] = uint32(len(image))
		image = append(image, uint32(n.Kind), uint32(len(n.Inputs)), uint32(len(n.Outputs)))
		for _, slot := range n.Inputs {
			image = append(image, uint32(slot))
		}
		for _, slot := range n.Outputs {
			image = append(image, uint32(slot))
		}
		if n.Kind != model.KindGate {
			continue
		}
		if n.Table == nil || n.Table.Rows != 1<<len(n.Inputs) || n.Table.Cols != 1<<len(n.Outputs) {
			return nil, fmt.Errorf("%w: node %d table shape", ErrHeaderMismatch, i)
		}
		for row := 0; row < n.Table.Rows; row++ {
			var cum uint32
			for _, w := range n.Table.Row(row) {
				cum += w
				image = append(image, cum)
			}
			if cum == 0 || cum > MaxCumulative {
				return nil, fmt.Errorf("%w: node %d row %d total %d", ErrCorruptImage, i, row, cum)
			}
		}
	}

	if got := (len(image) + 2*h.StateLen) * WordBytes; got != h.Footprint {
		return nil, fmt.Errorf("%w: header=%d image=%d", ErrFootprintMismatch, h.Footprint, got)
	}
	return image, nil
}

func checkHeader(h model.Header, nodes []model.Node) error {
	if h.Nodes != len(nodes) {
		return fmt.Errorf("%w: header nodes=%d table nodes=%d", ErrHeaderMismatch, h.Nodes, len(nodes))
	}
	var counts [4]int
	for i, n := range nodes {
		if int(n.Kind) >= len(counts) {
			return fmt.Errorf("%w: node %d has unknown kind %d", ErrHeaderMismatch, i, n.Kind)
		}
		counts[n.Kind]++
		for _, slot := range n.Inputs {
			if slot < 0 || slot >= h.StateLen {
				return fmt.Errorf("%w: node %d input slot %d out of range", ErrHeaderMismatch, i, slot)
			}
		}
		for _, slot := range n.Outputs {
			if slot < 0 || slot >= h.StateLen {
				return fmt.Errorf("%w: node %d output slot %d out of range", ErrHeaderMismatch, i, slot)
			}
		}
	}
	if counts[model.KindInput] != h.Inputs || counts[model.KindOutput] != h.Outputs ||
		counts[model.KindHidden] != h.Hidden || counts[model.KindGate] != h.Gates {
		return fmt.Errorf("%w: kind counts %v", ErrHeaderMismatch, counts)
	}
	return nil
}
