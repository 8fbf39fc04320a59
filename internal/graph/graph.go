package graph

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"markovnet/internal/model"
)

// Source is anything exposing a decoded node table. *markov.Network
// satisfies it.
type Source interface {
	Header() model.Header
	Nodes() []model.Node
}

type Vertex struct {
	ID    int            `json:"id"`
	Kind  model.NodeKind `json:"kind"`
	Index int            `json:"index"`
}

// Edge runs from the node writing a slot to a node reading it.
type Edge struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type Graph struct {
	Vertices []Vertex `json:"vertices"`
	Edges    []Edge   `json:"edges"`
}

type Summary struct {
	Vertices    int            `json:"vertices"`
	Edges       int            `json:"edges"`
	Kinds       map[string]int `json:"kinds"`
	Fingerprint string         `json:"fingerprint"`
}

// Full returns every node and every slot dependency between nodes.
func Full(src Source) Graph {
	nodes := src.Nodes()
	writer := make(map[int]int, src.Header().StateLen)
	for i, n := range nodes {
		for _, slot := range n.Outputs {
			writer[slot] = i
		}
	}

	g := Graph{Vertices: make([]Vertex, len(nodes))}
	seen := make(map[Edge]struct{})
	perKind := make(map[model.NodeKind]int)
	for i, n := range nodes {
		g.Vertices[i] = Vertex{ID: i, Kind: n.Kind, Index: perKind[n.Kind]}
		perKind[n.Kind]++
		for _, slot := range n.Inputs {
			from, ok := writer[slot]
			if !ok || from == i {
				continue
			}
			e := Edge{From: from, To: i}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			g.Edges = append(g.Edges, e)
		}
	}
	sortEdges(g.Edges)
	return g
}

// Reduced repeatedly drops hidden and gate vertices that have no incoming or
// no outgoing edge. Input and output vertices always remain.
func Reduced(src Source) Graph {
	g := Full(src)
	keep := make(map[int]bool, len(g.Vertices))
	for _, v := range g.Vertices {
		keep[v.ID] = true
	}
	for {
		in, out := degrees(g.Edges, keep)
		removed := false
		for _, v := range g.Vertices {
			if !keep[v.ID] || pinned(v.Kind) {
				continue
			}
			if in[v.ID] == 0 || out[v.ID] == 0 {
				keep[v.ID] = false
				removed = true
			}
		}
		if !removed {
			break
		}
	}
	return g.restrict(keep)
}

// Causal keeps vertices reachable forward from an input or backward from an
// output, plus every input and output vertex. A branch fed by an input that
// never reaches an output stays; a cycle touching neither end is dropped.
func Causal(src Source) Graph {
	g := Full(src)
	forward := make(map[int][]int)
	backward := make(map[int][]int)
	for _, e := range g.Edges {
		forward[e.From] = append(forward[e.From], e.To)
		backward[e.To] = append(backward[e.To], e.From)
	}

	var inputs, outputs []int
	for _, v := range g.Vertices {
		switch v.Kind {
		case model.KindInput:
			inputs = append(inputs, v.ID)
		case model.KindOutput:
			outputs = append(outputs, v.ID)
		}
	}
	fromInputs := reach(inputs, forward)
	toOutputs := reach(outputs, backward)

	keep := make(map[int]bool, len(g.Vertices))
	for _, v := range g.Vertices {
		keep[v.ID] = pinned(v.Kind) || fromInputs[v.ID] || toOutputs[v.ID]
	}
	return g.restrict(keep)
}

// Summarize counts vertices by kind and fingerprints the edge set so two
// networks with the same wiring share a fingerprint.
func Summarize(g Graph) Summary {
	kinds := make(map[string]int)
	parts := make([]string, 0, len(g.Vertices)+len(g.Edges))
	for _, v := range g.Vertices {
		kinds[v.Kind.String()]++
		parts = append(parts, fmt.Sprintf("v%d:%s", v.ID, v.Kind))
	}
	for _, e := range g.Edges {
		parts = append(parts, fmt.Sprintf("e%d>%d", e.From, e.To))
	}
	digest := sha1.Sum([]byte(strings.Join(parts, "|")))
	return Summary{
		Vertices:    len(g.Vertices),
		Edges:       len(g.Edges),
		Kinds:       kinds,
		Fingerprint: hex.EncodeToString(digest[:8]),
	}
}

// WriteDOT renders g in Graphviz dot syntax.
func WriteDOT(w io.Writer, name string, g Graph) error {
	if _, err := fmt.Fprintf(w, "digraph %q {\n", name); err != nil {
		return err
	}
	for _, v := range g.Vertices {
		if _, err := fmt.Fprintf(w, "  n%d [label=\"%s %d\" shape=%s];\n", v.ID, v.Kind, v.Index, shape(v.Kind)); err != nil {
			return err
		}
	}
	for _, e := range g.Edges {
		if _, err := fmt.Fprintf(w, "  n%d -> n%d;\n", e.From, e.To); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

func (g Graph) restrict(keep map[int]bool) Graph {
	out := Graph{}
	for _, v := range g.Vertices {
		if keep[v.ID] {
			out.Vertices = append(out.Vertices, v)
		}
	}
	for _, e := range g.Edges {
		if keep[e.From] && keep[e.To] {
			out.Edges = append(out.Edges, e)
		}
	}
	return out
}

func degrees(edges []Edge, keep map[int]bool) (map[int]int, map[int]int) {
	in := make(map[int]int)
	out := make(map[int]int)
	for _, e := range edges {
		if !keep[e.From] || !keep[e.To] {
			continue
		}
		out[e.From]++
		in[e.To]++
	}
	return in, out
}

func reach(start []int, adj map[int][]int) map[int]bool {
	seen := make(map[int]bool, len(start))
	queue := append([]int(nil), start...)
	for _, id := range start {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return seen
}

func pinned(k model.NodeKind) bool {
	return k == model.KindInput || k == model.KindOutput
}

func shape(k model.NodeKind) string {
	switch k {
	case model.KindInput:
		return "invtriangle"
	case model.KindOutput:
		return "triangle"
	case model.KindGate:
		return "box"
	default:
		return "ellipse"
	}
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
}
