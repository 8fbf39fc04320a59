//go:build webgpu

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"markovnet/internal/model"
	"markovnet/internal/nodetable"
	"markovnet/internal/prng"
)

const workgroupSize = 64

const kernelWGSL = `
struct Params {
	seed: u32,
	nodes: u32,
	pad0: u32,
	pad1: u32,
};

@group(0) @binding(0) var<storage, read> image : array<u32>;
@group(0) @binding(1) var<storage, read> prev : array<f32>;
@group(0) @binding(2) var<storage, read_write> cur : array<f32>;
@group(0) @binding(3) var<storage, read_write> trace : array<u32>;
@group(0) @binding(4) var<uniform> params : Params;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let node = gid.x;
	if (node >= params.nodes) { return; }

	let off = image[8u + node];
	let kind = image[off];
	let n_in = image[off + 1u];
	let n_out = image[off + 2u];
	let ins = off + 3u;
	let outs = ins + n_in;
	var mark = 0xffffffffu;

	if (kind == 0u) {
		for (var j = 0u; j < n_out; j = j + 1u) {
			let s = image[outs + j];
			cur[s] = prev[s];
		}
	} else if (kind == 1u || kind == 2u) {
		var v = 0.0;
		for (var i = 0u; i < n_in; i = i + 1u) {
			if (prev[image[ins + i]] > 0.0) { v = 1.0; }
		}
		for (var j = 0u; j < n_out; j = j + 1u) {
			cur[image[outs + j]] = v;
		}
	} else if (kind == 3u) {
		var row = 0u;
		for (var i = 0u; i < n_in; i = i + 1u) {
			if (prev[image[ins + i]] > 0.0) { row = row | (1u << i); }
		}
		let cols = 1u << n_out;
		let table = outs + n_out + row * cols;
		let r = prng_draw(params.seed, node) % image[table + cols - 1u];
		var col = 0u;
		loop {
			if (image[table + col] > r) { break; }
			col = col + 1u;
		}
		for (var j = 0u; j < n_out; j = j + 1u) {
			cur[image[outs + j]] = f32((col >> j) & 1u);
		}
		mark = (row << 16u) | col;
	}
	trace[node] = mark;
}
`

// WebGPUDevice runs mirrors as a compute shader, one invocation per node.
type WebGPUDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	pipeline *wgpu.ComputePipeline

	mu      sync.Mutex
	next    Handle
	mirrors map[Handle]*gpuMirror
}

type gpuMirror struct {
	header     model.Header
	imageWords int
	image      *wgpu.Buffer
	state      [2]*wgpu.Buffer
	trace      *wgpu.Buffer
	params     *wgpu.Buffer
	// bindGroups[i] reads state[i^1] and writes state[i].
	bindGroups [2]*wgpu.BindGroup
	cur        int
}

func newWebGPUDevice() (Device, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("%w: create instance", ErrUnavailable)
	}
	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		inst.Release()
		return nil, fmt.Errorf("%w: request adapter: %v", ErrUnavailable, err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil || dev == nil {
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("%w: request device: %v", ErrUnavailable, err)
	}

	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "markov_update",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prng.WGSL + kernelWGSL},
	})
	if err != nil {
		dev.Release()
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("%w: compile kernel: %v", ErrUnavailable, err)
	}
	pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "markov_update_pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		dev.Release()
		adapter.Release()
		inst.Release()
		return nil, fmt.Errorf("%w: create pipeline: %v", ErrUnavailable, err)
	}

	return &WebGPUDevice{
		instance: inst,
		adapter:  adapter,
		device:   dev,
		queue:    dev.GetQueue(),
		pipeline: pipeline,
		mirrors:  make(map[Handle]*gpuMirror),
	}, nil
}

func (d *WebGPUDevice) Name() string {
	return KindWebGPU
}

func (d *WebGPUDevice) Allocate(h model.Header, image []uint32) (Handle, error) {
	if _, err := parseFor(h, image); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	m := &gpuMirror{header: h, imageWords: len(image)}
	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	var err error
	if m.image, err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "markov_image",
		Contents: wgpu.ToBytes(image),
		Usage:    storage,
	}); err != nil {
		return 0, fmt.Errorf("%w: image buffer: %v", ErrAllocation, err)
	}
	// Zero-length storage bindings are invalid; keep at least one word.
	stateWords := max(h.StateLen, 1)
	for i := range m.state {
		if m.state[i], err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    fmt.Sprintf("markov_state_%d", i),
			Contents: wgpu.ToBytes(make([]float32, stateWords)),
			Usage:    storage,
		}); err != nil {
			m.destroy()
			return 0, fmt.Errorf("%w: state buffer: %v", ErrAllocation, err)
		}
	}
	trace := make([]uint32, max(h.Nodes, 1))
	for i := range trace {
		trace[i] = TraceNone
	}
	if m.trace, err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "markov_trace",
		Contents: wgpu.ToBytes(trace),
		Usage:    storage,
	}); err != nil {
		m.destroy()
		return 0, fmt.Errorf("%w: trace buffer: %v", ErrAllocation, err)
	}
	if m.params, err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "markov_params",
		Contents: wgpu.ToBytes([]uint32{0, uint32(h.Nodes), 0, 0}),
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	}); err != nil {
		m.destroy()
		return 0, fmt.Errorf("%w: params buffer: %v", ErrAllocation, err)
	}

	for i := range m.bindGroups {
		prev, cur := m.state[i^1], m.state[i]
		m.bindGroups[i], err = d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:  fmt.Sprintf("markov_bind_%d", i),
			Layout: d.pipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: m.image, Size: m.image.GetSize()},
				{Binding: 1, Buffer: prev, Size: prev.GetSize()},
				{Binding: 2, Buffer: cur, Size: cur.GetSize()},
				{Binding: 3, Buffer: m.trace, Size: m.trace.GetSize()},
				{Binding: 4, Buffer: m.params, Size: m.params.GetSize()},
			},
		})
		if err != nil {
			m.destroy()
			return 0, fmt.Errorf("%w: bind group: %v", ErrAllocation, err)
		}
	}

	d.next++
	d.mirrors[d.next] = m
	return d.next, nil
}

func (d *WebGPUDevice) Inject(h Handle, inputs []float32) error {
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
	if len(inputs) > 0 {
		d.queue.WriteBuffer(m.state[m.cur^1], 0, wgpu.ToBytes(inputs))
	}
	return nil
}

func (d *WebGPUDevice) Update(h Handle, seed uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	if m.header.Nodes == 0 {
		return nil
	}
	d.queue.WriteBuffer(m.params, 0, wgpu.ToBytes([]uint32{seed, uint32(m.header.Nodes), 0, 0}))

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(d.pipeline)
	pass.SetBindGroup(0, m.bindGroups[m.cur], nil)
	pass.DispatchWorkgroups(uint32((m.header.Nodes+workgroupSize-1)/workgroupSize), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	d.queue.Submit(cmd)
	d.device.Poll(true, nil)
	return nil
}

func (d *WebGPUDevice) ReadOutputs(h Handle) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, invalidHandle(h)
	}
	if m.header.Outputs == 0 {
		return []float32{}, nil
	}
	raw, err := d.read(m.state[m.cur], uint64(m.header.Inputs)*4, uint64(m.header.Outputs)*4)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), wgpu.FromBytes[float32](raw)...), nil
}

func (d *WebGPUDevice) ReadState(h Handle) ([]float32, []float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, nil, invalidHandle(h)
	}
	if m.header.StateLen == 0 {
		return []float32{}, []float32{}, nil
	}
	size := uint64(m.header.StateLen) * 4
	prevRaw, err := d.read(m.state[m.cur^1], 0, size)
	if err != nil {
		return nil, nil, err
	}
	curRaw, err := d.read(m.state[m.cur], 0, size)
	if err != nil {
		return nil, nil, err
	}
	prev := append([]float32(nil), wgpu.FromBytes[float32](prevRaw)...)
	cur := append([]float32(nil), wgpu.FromBytes[float32](curRaw)...)
	return prev, cur, nil
}

func (d *WebGPUDevice) ReadTrace(h Handle) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return nil, invalidHandle(h)
	}
	if m.header.Nodes == 0 {
		return []uint32{}, nil
	}
	raw, err := d.read(m.trace, 0, uint64(m.header.Nodes)*4)
	if err != nil {
		return nil, err
	}
	return append([]uint32(nil), wgpu.FromBytes[uint32](raw)...), nil
}

func (d *WebGPUDevice) Sync(h Handle, image []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	if _, err := parseFor(m.header, image); err != nil {
		return err
	}
	if len(image) != m.imageWords {
		return fmt.Errorf("%w: image size changed from %d to %d words", nodetable.ErrHeaderMismatch, m.imageWords, len(image))
	}
	d.queue.WriteBuffer(m.image, 0, wgpu.ToBytes(image))
	return nil
}

func (d *WebGPUDevice) Release(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mirrors[h]
	if !ok {
		return invalidHandle(h)
	}
	d.device.Poll(true, nil)
	m.destroy()
	delete(d.mirrors, h)
	return nil
}

// Close releases every mirror and the adapter.
func (d *WebGPUDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for h, m := range d.mirrors {
		m.destroy()
		delete(d.mirrors, h)
	}
	d.pipeline.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

func (m *gpuMirror) destroy() {
	for i, bg := range m.bindGroups {
		if bg != nil {
			bg.Release()
			m.bindGroups[i] = nil
		}
	}
	for _, buf := range []*wgpu.Buffer{m.image, m.state[0], m.state[1], m.trace, m.params} {
		if buf != nil {
			buf.Destroy()
		}
	}
	m.image, m.state[0], m.state[1], m.trace, m.params = nil, nil, nil, nil, nil
}

// read copies size bytes at offset out of buf through a mapped staging buffer.
func (d *WebGPUDevice) read(buf *wgpu.Buffer, offset, size uint64) ([]byte, error) {
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "markov_staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer staging.Destroy()

	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	enc.CopyBufferToBuffer(buf, offset, staging, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish command: %w", err)
	}
	d.queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}

	timeout := time.After(2 * time.Second)
Loop:
	for {
		d.device.Poll(false, nil)
		select {
		case <-done:
			break Loop
		case <-timeout:
			return nil, fmt.Errorf("staging read timed out after 2s")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return nil, fmt.Errorf("failed to get mapped range")
	}
	out := append([]byte(nil), data...)
	staging.Unmap()
	return out, nil
}
