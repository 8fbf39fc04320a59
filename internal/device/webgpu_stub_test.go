//go:build !webgpu

package device

import (
	"errors"
	"testing"
)

func TestWebGPUUnavailableWithoutTag(t *testing.T) {
	if _, err := New(KindWebGPU); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}
