package nodetable

import (
	"errors"
	"testing"

	"markovnet/internal/model"
)

func sampleNetwork() (model.Header, []model.Node) {
	nodes := []model.Node{
		{Kind: model.KindInput, Inputs: []int{0}, Outputs: []int{0}},
		{Kind: model.KindOutput, Inputs: []int{2}, Outputs: []int{1}},
		{
			Kind:    model.KindGate,
			Inputs:  []int{0},
			Outputs: []int{2},
			Table:   &model.Table{Rows: 2, Cols: 2, Weights: []uint32{1, 3, 0, 5}},
		},
	}
	h := model.Header{Inputs: 1, Outputs: 1, Gates: 1, Nodes: 3, StateLen: 3}
	h.Footprint = Footprint(nodes, h.StateLen)
	return h, nodes
}

func TestFootprintFormula(t *testing.T) {
	h, nodes := sampleNetwork()
	if got := Words(nodes); got != 30 {
		t.Fatalf("unexpected word count: got=%d want=30", got)
	}
	if h.Footprint != 144 {
		t.Fatalf("unexpected footprint: got=%d want=144", h.Footprint)
	}
}

func TestEncodeParseRecords(t *testing.T) {
	h, nodes := sampleNetwork()
	words, err := Encode(h, nodes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, err := Parse(words)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.Nodes() != 3 || img.StateLen() != 3 || img.Inputs() != 1 || img.Outputs() != 1 || img.Gates() != 1 {
		t.Fatalf("unexpected image header: nodes=%d state=%d", img.Nodes(), img.StateLen())
	}

	gate := img.Record(2)
	if gate.Kind != uint32(model.KindGate) {
		t.Fatalf("unexpected kind: %d", gate.Kind)
	}
	want := []uint32{1, 4, 0, 5}
	if len(gate.Table) != len(want) {
		t.Fatalf("unexpected table size: %d", len(gate.Table))
	}
	for i := range want {
		if gate.Table[i] != want[i] {
			t.Fatalf("cumulative table mismatch at %d: got=%d want=%d", i, gate.Table[i], want[i])
		}
	}
	out := img.Record(1)
	if len(out.Inputs) != 1 || out.Inputs[0] != 2 || out.Outputs[0] != 1 || out.Table != nil {
		t.Fatalf("unexpected output record: %+v", out)
	}
}

func TestEncodeFootprintMismatch(t *testing.T) {
	h, nodes := sampleNetwork()
	h.Footprint += WordBytes
	if _, err := Encode(h, nodes); !errors.Is(err, ErrFootprintMismatch) {
		t.Fatalf("expected footprint mismatch, got %v", err)
	}
}

func TestEncodeHeaderMismatch(t *testing.T) {
	h, nodes := sampleNetwork()
	h.Gates = 0
	if _, err := Encode(h, nodes); !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("expected header mismatch, got %v", err)
	}

	h, nodes = sampleNetwork()
	nodes[1].Inputs = []int{9}
	if _, err := Encode(h, nodes); !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("expected slot range error, got %v", err)
	}
}

func TestEncodeRejectsZeroRow(t *testing.T) {
	h, nodes := sampleNetwork()
	nodes[2].Table.Weights = []uint32{0, 0, 1, 1}
	if _, err := Encode(h, nodes); !errors.Is(err, ErrCorruptImage) {
		t.Fatalf("expected corrupt image for empty row, got %v", err)
	}
}

func TestParseRejectsCorruptImages(t *testing.T) {
	h, nodes := sampleNetwork()
	words, err := Encode(h, nodes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]uint32) []uint32
	}{
		{name: "short", mutate: func(w []uint32) []uint32 { return w[:4] }},
		{name: "magic", mutate: func(w []uint32) []uint32 { w[0] = 0; return w }},
		{name: "offset", mutate: func(w []uint32) []uint32 { w[HeaderWords] = 1000; return w }},
		{name: "slot", mutate: func(w []uint32) []uint32 { w[len(w)-5] = 99; return w }},
		{name: "truncated", mutate: func(w []uint32) []uint32 { return w[:len(w)-1] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			corrupt := tc.mutate(append([]uint32(nil), words...))
			if _, err := Parse(corrupt); !errors.Is(err, ErrCorruptImage) {
				t.Fatalf("expected corrupt image error, got %v", err)
			}
		})
	}
}
