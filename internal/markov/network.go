package markov

import (
	"fmt"

	"github.com/google/uuid"

	"markovnet/internal/codec"
	"markovnet/internal/device"
	"markovnet/internal/model"
	"markovnet/internal/nodetable"
)

const BackendHost = "host"

// Network is a decoded Markov network with double-buffered state. Topology is
// fixed at construction; only buffer contents and, with feedback learning,
// gate weights change afterwards. A Network is not safe for concurrent use;
// distinct Networks share nothing mutable.
type Network struct {
	id     string
	opts   codec.Options
	header model.Header
	nodes  []model.Node
	image  []uint32

	bufs  [2][]float32
	cur   int
	ticks uint64
	trace []uint32

	hooks  []Hook
	mirror *mirror
	closed bool
}

type Option func(*buildConfig)

type buildConfig struct {
	id     string
	device device.Device
	hooks  []Hook
}

// WithDevice runs ticks on d instead of the host.
func WithDevice(d device.Device) Option {
	return func(c *buildConfig) { c.device = d }
}

func WithHooks(hooks ...Hook) Option {
	return func(c *buildConfig) { c.hooks = append(c.hooks, hooks...) }
}

func WithID(id string) Option {
	return func(c *buildConfig) { c.id = id }
}

// Build decodes genome and returns a ready network. Nothing is returned on
// failure; a device allocation error wraps device.ErrAllocation so callers
// can retry on the host.
func Build(genome []byte, opts codec.Options, options ...Option) (*Network, error) {
	cfg := buildConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	header, nodes, err := Decode(genome, opts)
	if err != nil {
		return nil, err
	}
	image, err := nodetable.Encode(header, nodes)
	if err != nil {
		return nil, fmt.Errorf("encode node table: %w", err)
	}

	id := cfg.id
	if id == "" {
		id = uuid.New().String()
	}
	n := &Network{
		id:     id,
		opts:   opts,
		header: header,
		nodes:  nodes,
		image:  image,
		bufs:   [2][]float32{make([]float32, header.StateLen), make([]float32, header.StateLen)},
		trace:  make([]uint32, len(nodes)),
		hooks:  append([]Hook(nil), cfg.hooks...),
	}
	n.clearTrace()

	if cfg.device != nil {
		if err := n.Attach(cfg.device); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Network) ID() string {
	return n.id
}

func (n *Network) Header() model.Header {
	return n.header
}

func (n *Network) Options() codec.Options {
	return n.opts
}

// Ticks is the number of completed ticks since construction or Reset.
func (n *Network) Ticks() uint64 {
	return n.ticks
}

func (n *Network) NodeCount() int {
	return len(n.nodes)
}

// Node returns a copy of node i.
func (n *Network) Node(i int) model.Node {
	return n.nodes[i].Clone()
}

// Nodes returns a deep copy of the node table.
func (n *Network) Nodes() []model.Node {
	out := make([]model.Node, len(n.nodes))
	for i, node := range n.nodes {
		out[i] = node.Clone()
	}
	return out
}

// Image returns a copy of the encoded node table.
func (n *Network) Image() []uint32 {
	return append([]uint32(nil), n.image...)
}

func (n *Network) Backend() string {
	if n.mirror != nil {
		return n.mirror.dev.Name()
	}
	return BackendHost
}

func (n *Network) AddHook(h Hook) {
	n.hooks = append(n.hooks, h)
}

// Snapshot copies both state buffers.
func (n *Network) Snapshot() (State, error) {
	if n.closed {
		return State{}, ErrClosed
	}
	if n.mirror != nil {
		return n.mirror.state(n.ticks)
	}
	return n.hostState(), nil
}

// Reset clears both buffers and the tick counter. An attached mirror is
// reallocated so device state is cleared too.
func (n *Network) Reset() error {
	if n.closed {
		return ErrClosed
	}
	if n.mirror != nil {
		dev := n.mirror.dev
		if err := n.releaseMirror(); err != nil {
			return err
		}
		n.resetHost()
		return n.allocateMirror(dev)
	}
	n.resetHost()
	return nil
}

// Close releases the device mirror, if any. Further ticks fail with ErrClosed.
func (n *Network) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if n.mirror == nil {
		return nil
	}
	return n.releaseMirror()
}

func (n *Network) resetHost() {
	for i := range n.bufs {
		clear(n.bufs[i])
	}
	n.cur = 0
	n.ticks = 0
	n.clearTrace()
}

func (n *Network) clearTrace() {
	for i := range n.trace {
		n.trace[i] = device.TraceNone
	}
}

func (n *Network) hostState() State {
	return State{
		Tick: n.ticks,
		Prev: append([]float32(nil), n.bufs[n.cur^1]...),
		Cur:  append([]float32(nil), n.bufs[n.cur]...),
	}
}
