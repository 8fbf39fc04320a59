//go:build !webgpu

package device

import "fmt"

func newWebGPUDevice() (Device, error) {
	return nil, fmt.Errorf("%w: webgpu backend unavailable in this build; rebuild with -tags webgpu", ErrUnavailable)
}
