package weights

import (
	"maps"
	"slices"
	"sync"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/topology"
)

// Shard is the partition of every parameter owned by one device. It is
// read-only once built and shared by every instance on the device.
type Shard struct {
	Device int
	Coord  topology.Coord
	Layers topology.Range
	Heads  topology.Range
	DType  DType

	tensors map[string]*Tensor
	byLayer map[int][]*Tensor
	order   []string
	bytes   int64

	mu   sync.Mutex
	refs int
	buf  device.Buffer
}

// Tensor returns the named tensor view.
func (s *Shard) Tensor(name string) (*Tensor, bool) {
	t, ok := s.tensors[name]
	return t, ok
}

// Names returns tensor names in load order.
func (s *Shard) Names() []string {
	return slices.Clone(s.order)
}

// Layer returns the tensors of global layer i.
func (s *Shard) Layer(i int) ([]*Tensor, error) {
	if !s.Layers.Contains(i) {
		return nil, fault.Usagef("layer %d is not held by device %d (layers %s)", i, s.Device, s.Layers)
	}
	return slices.Clone(s.byLayer[i]), nil
}

// LayerIndices returns the global layers present, ascending.
func (s *Shard) LayerIndices() []int {
	return slices.Sorted(maps.Keys(s.byLayer))
}

// Bytes is the device memory held by the shard.
func (s *Shard) Bytes() int64 {
	return s.bytes
}

// Acquire adds a reference. It fails once the shard has been released.
func (s *Shard) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return fault.Usagef("shard for device %d already released", s.Device)
	}
	s.refs++
	return nil
}

// Release drops a reference and frees the device buffer with the last one.
func (s *Shard) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return fault.Usagef("shard for device %d released too many times", s.Device)
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	buf := s.buf
	s.buf = nil
	if buf == nil {
		return nil
	}
	return buf.Free()
}

// Refs returns the current reference count.
func (s *Shard) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
