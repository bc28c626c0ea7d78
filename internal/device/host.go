package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/fault"
)

// Host simulates devices in host memory. Each device has a byte capacity;
// a capacity of 0 means unlimited.
type Host struct {
	mu       sync.Mutex
	count    int
	capacity int64
	used     []int64
	streams  map[string]*hostStream
}

func NewHost(count int, capacity int64) *Host {
	return &Host{
		count:    count,
		capacity: capacity,
		used:     make([]int64, count),
		streams:  make(map[string]*hostStream),
	}
}

func (h *Host) Name() string {
	return "host"
}

func (h *Host) Count() int {
	return h.count
}

func (h *Host) checkDevice(device int) error {
	if device < 0 || device >= h.count {
		return fault.Configf("device %d not visible (have %d)", device, h.count)
	}
	return nil
}

func (h *Host) NewStream(device int) (Stream, error) {
	if err := h.checkDevice(device); err != nil {
		return nil, err
	}
	s := &hostStream{id: uuid.NewString(), device: device, host: h}
	h.mu.Lock()
	h.streams[s.id] = s
	h.mu.Unlock()
	return s, nil
}

func (h *Host) Alloc(device int, size int64) (Buffer, error) {
	if err := h.checkDevice(device); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("device %d: negative allocation %d", device, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capacity > 0 && h.used[device]+size > h.capacity {
		return nil, fmt.Errorf("device %d: need %d bytes, %d of %d in use: %w",
			device, size, h.used[device], h.capacity, ErrOutOfMemory)
	}
	h.used[device] += size
	return &hostBuffer{host: h, device: device, data: make([]byte, size)}, nil
}

// Used returns the bytes currently allocated on device.
func (h *Host) Used(device int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if device < 0 || device >= h.count {
		return 0
	}
	return h.used[device]
}

// Streams returns the number of live streams.
func (h *Host) Streams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

type hostStream struct {
	id     string
	device int
	host   *Host
}

func (s *hostStream) ID() string         { return s.id }
func (s *hostStream) Device() int        { return s.device }
func (s *hostStream) Synchronize() error { return nil }

func (s *hostStream) Destroy() error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if _, ok := s.host.streams[s.id]; !ok {
		return fmt.Errorf("stream %s already destroyed", s.id)
	}
	delete(s.host.streams, s.id)
	return nil
}

type hostBuffer struct {
	host   *Host
	device int
	data   []byte
	freed  bool
}

func (b *hostBuffer) Device() int   { return b.device }
func (b *hostBuffer) Size() int64   { return int64(len(b.data)) }
func (b *hostBuffer) Bytes() []byte { return b.data }

func (b *hostBuffer) Free() error {
	b.host.mu.Lock()
	defer b.host.mu.Unlock()
	if b.freed {
		return nil
	}
	b.freed = true
	b.host.used[b.device] -= int64(len(b.data))
	b.data = nil
	return nil
}
