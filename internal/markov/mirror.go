package markov

import (
	"errors"
	"fmt"

	"markovnet/internal/device"
)

// mirror is the network's exclusively owned device copy.
type mirror struct {
	dev    device.Device
	handle device.Handle
}

// Attach moves execution onto d. The network is reset first because a fresh
// mirror starts from cleared buffers.
func (n *Network) Attach(d device.Device) error {
	if n.closed {
		return ErrClosed
	}
	if d == nil {
		return errors.New("device is required")
	}
	if n.mirror != nil {
		if err := n.releaseMirror(); err != nil {
			return err
		}
	}
	n.resetHost()
	return n.allocateMirror(d)
}

// Detach releases the mirror and continues on the host from the device's
// last state.
func (n *Network) Detach() error {
	if n.closed {
		return ErrClosed
	}
	if n.mirror == nil {
		return nil
	}
	state, err := n.mirror.state(n.ticks)
	if err != nil {
		return err
	}
	trace, err := n.mirror.dev.ReadTrace(n.mirror.handle)
	if err != nil {
		return err
	}
	if err := n.releaseMirror(); err != nil {
		return err
	}
	n.cur = 0
	copy(n.bufs[0], state.Cur)
	copy(n.bufs[1], state.Prev)
	copy(n.trace, trace)
	return nil
}

func (n *Network) allocateMirror(d device.Device) error {
	handle, err := d.Allocate(n.header, n.image)
	if err != nil {
		return fmt.Errorf("allocate %s mirror: %w", d.Name(), err)
	}
	n.mirror = &mirror{dev: d, handle: handle}
	return nil
}

// releaseMirror frees the handle exactly once; the mirror is dropped even if
// the device reports an error.
func (n *Network) releaseMirror() error {
	m := n.mirror
	n.mirror = nil
	if err := m.dev.Release(m.handle); err != nil {
		return fmt.Errorf("release %s mirror: %w", m.dev.Name(), err)
	}
	return nil
}

func (m *mirror) tick(n *Network, inputs []float32, outputs []float64, seed uint32) error {
	if err := m.dev.Inject(m.handle, inputs); err != nil {
		return err
	}
	if err := m.observe(n, Hook.TopHalf); err != nil {
		return err
	}
	if err := m.dev.Update(m.handle, seed); err != nil {
		return err
	}
	if err := m.observe(n, Hook.BottomHalf); err != nil {
		return err
	}
	out, err := m.dev.ReadOutputs(m.handle)
	if err != nil {
		return err
	}
	if len(out) != len(outputs) {
		return fmt.Errorf("%w: device returned %d outputs, want %d", ErrOutputSize, len(out), len(outputs))
	}
	for i, v := range out {
		outputs[i] = float64(v)
	}
	return nil
}

func (m *mirror) observe(n *Network, phase func(Hook, State)) error {
	if len(n.hooks) == 0 {
		return nil
	}
	state, err := m.state(n.ticks)
	if err != nil {
		return err
	}
	for _, h := range n.hooks {
		phase(h, state)
	}
	return nil
}

func (m *mirror) state(tick uint64) (State, error) {
	prev, cur, err := m.dev.ReadState(m.handle)
	if err != nil {
		return State{}, err
	}
	return State{Tick: tick, Prev: prev, Cur: cur}, nil
}
