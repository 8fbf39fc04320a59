package model

import (
	"fmt"
	"time"

	"markovnet/internal/codec"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type NodeKind uint8

const (
	KindInput NodeKind = iota
	KindOutput
	KindHidden
	KindGate
)

func (k NodeKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindHidden:
		return "hidden"
	case KindGate:
		return "gate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Table is a gate's probability table: Rows = 2^inputs, Cols = 2^outputs,
// Weights row-major. A row's draw probability for column c is
// Weights[row*Cols+c] / sum(row).
type Table struct {
	Rows    int      `json:"rows"`
	Cols    int      `json:"cols"`
	Weights []uint32 `json:"weights"`
}

func (t Table) Row(row int) []uint32 {
	return t.Weights[row*t.Cols : (row+1)*t.Cols]
}

func (t Table) Clone() Table {
	return Table{Rows: t.Rows, Cols: t.Cols, Weights: append([]uint32(nil), t.Weights...)}
}

// Node is one unit of the network. Inputs are state slots read from the
// previous-tick buffer, Outputs are slots written into the current-tick buffer.
type Node struct {
	Kind    NodeKind `json:"kind"`
	Inputs  []int    `json:"inputs"`
	Outputs []int    `json:"outputs"`
	Table   *Table   `json:"table,omitempty"`
}

func (n Node) Clone() Node {
	out := Node{
		Kind:    n.Kind,
		Inputs:  append([]int(nil), n.Inputs...),
		Outputs: append([]int(nil), n.Outputs...),
	}
	if n.Table != nil {
		table := n.Table.Clone()
		out.Table = &table
	}
	return out
}

// Header summarizes a constructed network. Footprint is in bytes and covers
// the flat node-table image plus both state buffers.
type Header struct {
	Inputs    int `json:"inputs"`
	Outputs   int `json:"outputs"`
	Hidden    int `json:"hidden"`
	Gates     int `json:"gates"`
	Nodes     int `json:"nodes"`
	StateLen  int `json:"state_len"`
	Footprint int `json:"footprint"`
}

// Addressable is the count of nodes owning a single named state slot.
func (h Header) Addressable() int {
	return h.Inputs + h.Outputs + h.Hidden
}

type GenomeRecord struct {
	VersionedRecord
	ID        string        `json:"id"`
	Bytes     []byte        `json:"bytes"`
	Options   codec.Options `json:"options"`
	CreatedAt time.Time     `json:"created_at"`
}

type RunRecord struct {
	VersionedRecord
	ID        string      `json:"id"`
	GenomeID  string      `json:"genome_id"`
	Backend   string      `json:"backend"`
	Seed      int64       `json:"seed"`
	Ticks     int         `json:"ticks"`
	Header    Header      `json:"header"`
	Outputs   [][]float64 `json:"outputs"`
	CreatedAt time.Time   `json:"created_at"`
}
