package markov

import (
	"fmt"
	"math"
)

// minNormal32 is the smallest normal float32. Inputs below it in magnitude
// are flushed to zero so hosts and devices that flush subnormals agree.
const minNormal32 = 0x1p-126

// State is a copy of the two buffers at a tick boundary. Tick is the index
// of the tick being (or last) evaluated.
type State struct {
	Tick uint64    `json:"tick"`
	Prev []float32 `json:"prev"`
	Cur  []float32 `json:"cur"`
}

// Hook observes a tick. TopHalf runs after inputs are injected and before
// nodes update; BottomHalf runs after nodes update and before outputs are
// extracted. Hooks receive copies and cannot change network state.
type Hook interface {
	TopHalf(State)
	BottomHalf(State)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Top    func(State)
	Bottom func(State)
}

func (h HookFuncs) TopHalf(s State) {
	if h.Top != nil {
		h.Top(s)
	}
}

func (h HookFuncs) BottomHalf(s State) {
	if h.Bottom != nil {
		h.Bottom(s)
	}
}

// Tick runs one update keyed by seed and returns the output vector.
func (n *Network) Tick(inputs []float64, seed uint32) ([]float64, error) {
	outputs := make([]float64, n.header.Outputs)
	if err := n.TickInto(inputs, outputs, seed); err != nil {
		return nil, err
	}
	return outputs, nil
}

// TickInto is Tick with a caller-owned output vector. Argument errors leave
// the network untouched.
func (n *Network) TickInto(inputs, outputs []float64, seed uint32) error {
	if n.closed {
		return ErrClosed
	}
	if len(inputs) != n.header.Inputs {
		return fmt.Errorf("%w: got=%d want=%d", ErrInputSize, len(inputs), n.header.Inputs)
	}
	if len(outputs) != n.header.Outputs {
		return fmt.Errorf("%w: got=%d want=%d", ErrOutputSize, len(outputs), n.header.Outputs)
	}
	in32, err := quantize(inputs)
	if err != nil {
		return err
	}

	if n.mirror != nil {
		if err := n.mirror.tick(n, in32, outputs, seed); err != nil {
			return err
		}
		n.ticks++
		return nil
	}

	n.topHalf(in32)
	n.evaluate(seed)
	n.bottomHalf(outputs)
	n.ticks++
	return nil
}

func (n *Network) topHalf(inputs []float32) {
	n.cur ^= 1
	copy(n.bufs[n.cur^1][:n.header.Inputs], inputs)
	n.observe(Hook.TopHalf)
}

func (n *Network) evaluate(seed uint32) {
	prev, cur := n.bufs[n.cur^1], n.bufs[n.cur]
	for i := range n.nodes {
		n.trace[i] = updateNode(&n.nodes[i], uint32(i), seed, prev, cur)
	}
}

func (n *Network) bottomHalf(outputs []float64) {
	n.observe(Hook.BottomHalf)
	cur := n.bufs[n.cur]
	for i := range outputs {
		outputs[i] = float64(cur[n.header.Inputs+i])
	}
}

func (n *Network) observe(phase func(Hook, State)) {
	if len(n.hooks) == 0 {
		return
	}
	state := n.hostState()
	for _, h := range n.hooks {
		phase(h, state)
	}
}

func quantize(inputs []float64) ([]float32, error) {
	out := make([]float32, len(inputs))
	for i, v := range inputs {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: input %d", ErrInputValue, i)
		}
		if math.Abs(v) < minNormal32 {
			continue
		}
		out[i] = float32(v)
	}
	return out, nil
}
