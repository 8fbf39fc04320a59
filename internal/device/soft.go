package device

import (
	"fmt"
	"sync"

	"markovnet/internal/model"
	"markovnet/internal/nodetable"
	"markovnet/internal/prng"
)

// SoftDevice executes mirrors in process memory. It interprets only the flat
// image, the same way the WebGPU kernel does, and is the reference backend for
// parity checks on machines without an adapter.
type SoftDevice struct {
	capacity int

	mu      sync.Mutex
	used    int
	next    Handle
	mirrors map[Handle]*softMirror
}

type softMirror struct {
	header model.Header
	image  nodetable.Image
	bufs   [2][]float32
	cur    int
	trace  []uint32
}

// NewSoftDevice returns a device holding at most capacity bytes of mirrors.
// capacity <= 0 means unbounded.
func NewSoftDevice(capacity int) *SoftDevice {
	return &SoftDevice{
		capacity: capacity,
		mirrors:  make(map[Handle]*softMirror),
	}
}

func (d *SoftDevice) Name() string {
	return KindSoft
}

func (d *SoftDevice) Allocate(h model.Header, image []uint32) (Handle, error) {
	img, err := parseFor(h, image)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capacity > 0 && d.used+h.Footprint > d.capacity {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrAllocation, h.Footprint, d.used, d.capacity)
	}
	d.next++
	trace := make([]uint32, h.Nodes)
	for i := range trace {
		trace[i] = TraceNone
	}
	d.mirrors[d.next] = &softMirror{
		header: h,
		image:  img,
		bufs:   [2][]float32{make([]float32, h.StateLen), make([]float32, h.StateLen)},
		trace:  trace,
	}
	d.used += h.Footprint
	return d.next, nil
}

func (d *SoftDevice) Inject(h Handle, inputs []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	if len(inputs) != m.header.Inputs {
		return fmt.Errorf("%w: got=%d want=%d", ErrInputSize, len(inputs), m.header.Inputs)
	}
	m.cur ^= 1
	copy(m.bufs[m.cur^1], inputs)
	return nil
}

func (d *SoftDevice) Update(h Handle, seed uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	prev, cur := m.bufs[m.cur^1], m.bufs[m.cur]
	for i := 0; i < m.image.Nodes(); i++ {
		m.trace[i] = runRecord(m.image.Record(i), uint32(i), seed, prev, cur)
	}
	return nil
}

func runRecord(rec nodetable.Record, node, seed uint32, prev, cur []float32) uint32 {
	switch model.NodeKind(rec.Kind) {
	case model.KindInput:
		for _, slot := range rec.Outputs {
			cur[slot] = prev[slot]
		}
	case model.KindOutput, model.KindHidden:
		var v float32
		for _, slot := range rec.Inputs {
			if prev[slot] > 0 {
				v = 1
			}
		}
		for _, slot := range rec.Outputs {
			cur[slot] = v
		}
	case model.KindGate:
		var row uint32
		for i, slot := range rec.Inputs {
			if prev[slot] > 0 {
				row |= 1 << uint(i)
			}
		}
		cols := uint32(1) << uint(len(rec.Outputs))
		cum := rec.Table[row*cols : (row+1)*cols]
		r := prng.Draw(seed, node) % cum[cols-1]
		col := uint32(0)
		for cum[col] <= r {
			col++
		}
		for j, slot := range rec.Outputs {
			cur[slot] = float32((col >> uint(j)) & 1)
		}
		return packTrace(row, col)
	}
	return TraceNone
}

func (d *SoftDevice) ReadOutputs(h Handle) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, invalidHandle(h)
	}
	start := m.header.Inputs
	return append([]float32(nil), m.bufs[m.cur][start:start+m.header.Outputs]...), nil
}

func (d *SoftDevice) ReadState(h Handle) ([]float32, []float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, nil, invalidHandle(h)
	}
	prev := append([]float32(nil), m.bufs[m.cur^1]...)
	cur := append([]float32(nil), m.bufs[m.cur]...)
	return prev, cur, nil
}

func (d *SoftDevice) ReadTrace(h Handle) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, invalidHandle(h)
	}
	return append([]uint32(nil), m.trace...), nil
}

func (d *SoftDevice) Sync(h Handle, image []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	img, err := parseFor(m.header, image)
	if err != nil {
		return err
	}
	m.image = img
	return nil
}

func (d *SoftDevice) Release(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	d.used -= m.header.Footprint
	delete(d.mirrors, h)
	return nil
}

// InUse reports the bytes held by live mirrors.
func (d *SoftDevice) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// parseFor checks that image describes the network summarized by h.
func parseFor(h model.Header, image []uint32) (nodetable.Image, error) {
	img, err := nodetable.Parse(image)
	if err != nil {
		return nodetable.Image{}, err
	}
	if img.Inputs() != h.Inputs || img.Outputs() != h.Outputs || img.Nodes() != h.Nodes || img.StateLen() != h.StateLen {
		return nodetable.Image{}, fmt.Errorf("%w: image does not match header", nodetable.ErrHeaderMismatch)
	}
	if got := (len(image) + 2*h.StateLen) * nodetable.WordBytes; got != h.Footprint {
		return nodetable.Image{}, fmt.Errorf("%w: header=%d image=%d", nodetable.ErrFootprintMismatch, h.Footprint, got)
	}
	return img, nil
}
