// Package device mirrors networks onto an execution device.
//
// A device never sees model nodes, only the flat image produced by
// nodetable.Encode, so every backend must reproduce the host semantics from
// the same words: input injection into slots [0, inputs), gate rows chosen by
// prng.Draw against cumulative weights, and outputs read from slots
// [inputs, inputs+outputs) of the current buffer.
package device

import (
	"errors"
	"fmt"
	"sort"

	"markovnet/internal/model"
)

const (
	KindSoft   = "soft"
	KindWebGPU = "webgpu"

	// TraceNone marks a trace entry for a node that made no draw.
	TraceNone = ^uint32(0)
)

var (
	ErrUnavailable   = errors.New("device unavailable")
	ErrAllocation    = errors.New("device allocation failed")
	ErrInvalidHandle = errors.New("invalid device handle")
	ErrInputSize     = errors.New("device input size mismatch")
)

// Handle identifies one mirrored network on a device.
type Handle uint64

// Device is the narrow accelerator lifecycle the network drives.
// Calls on one handle must not overlap.
type Device interface {
	Name() string
	// Allocate uploads the image and zeroed state buffers.
	Allocate(h model.Header, image []uint32) (Handle, error)
	// Inject rotates the state buffers and writes inputs into the new
	// previous-tick buffer.
	Inject(h Handle, inputs []float32) error
	// Update evaluates every node once for the tick keyed by seed.
	Update(h Handle, seed uint32) error
	ReadOutputs(h Handle) ([]float32, error)
	ReadState(h Handle) (prev []float32, cur []float32, err error)
	// ReadTrace returns row<<16|column per node for the last update,
	// TraceNone for nodes that do not draw.
	ReadTrace(h Handle) ([]uint32, error)
	// Sync replaces the image of an allocated mirror. Topology must match.
	Sync(h Handle, image []uint32) error
	Release(h Handle) error
}

func New(kind string) (Device, error) {
	switch kind {
	case "", KindSoft:
		return NewSoftDevice(0), nil
	case KindWebGPU:
		return newWebGPUDevice()
	default:
		return nil, fmt.Errorf("unsupported device backend: %s", kind)
	}
}

func Kinds() []string {
	kinds := []string{KindSoft, KindWebGPU}
	sort.Strings(kinds)
	return kinds
}

func invalidHandle(h Handle) error {
	return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
}

func packTrace(row, col uint32) uint32 {
	return row<<16 | col
}

// CloseIfSupported frees backend resources held by d itself, such as a GPU
// adapter. Mirrors must be released first.
func CloseIfSupported(d Device) error {
	closer, ok := d.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
