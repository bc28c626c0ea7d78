// Package device abstracts the accelerator runtime the orchestration layer
// allocates shard storage and execution streams from.
package device

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/samcharles93/strata/internal/fault"
)

// ErrOutOfMemory is returned when a device cannot hold an allocation.
var ErrOutOfMemory = &fault.Error{Kind: fault.ErrResource, Err: errors.New("device: out of memory")}

// Runtime hands out streams and device-resident buffers.
type Runtime interface {
	Name() string
	Count() int
	NewStream(device int) (Stream, error)
	Alloc(device int, size int64) (Buffer, error)
}

// Stream is an ordered execution queue bound to one device.
type Stream interface {
	ID() string
	Device() int
	Synchronize() error
	Destroy() error
}

// Buffer is device memory. Bytes exposes a host view for runtimes that
// support it; device-only runtimes return nil.
type Buffer interface {
	Device() int
	Size() int64
	Bytes() []byte
	Free() error
}

const envVisibleDevices = "CUDA_VISIBLE_DEVICES"

// VisibleDevices parses a CUDA_VISIBLE_DEVICES style list from the
// environment. ok is false when the variable is unset.
func VisibleDevices() (ids []int, ok bool, err error) {
	v, set := os.LookupEnv(envVisibleDevices)
	if !set {
		return nil, false, nil
	}
	ids, err = ParseVisible(v)
	return ids, true, err
}

// ParseVisible parses "0,2,3". An empty string means no devices.
func ParseVisible(v string) ([]int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	seen := make(map[int]bool, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || id < 0 {
			return nil, fault.Configf("invalid device id %q in %s", p, envVisibleDevices)
		}
		if seen[id] {
			return nil, fault.Configf("duplicate device id %d in %s", id, envVisibleDevices)
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
