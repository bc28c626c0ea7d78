package device

import (
	"errors"
	"slices"
	"testing"

	"github.com/samcharles93/strata/internal/fault"
)

func TestParseVisible(t *testing.T) {
	t.Parallel()
	ids, err := ParseVisible(" 0, 2,3 ")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []int{0, 2, 3}) {
		t.Fatalf("unexpected ids %v", ids)
	}
	if ids, err := ParseVisible(""); err != nil || len(ids) != 0 {
		t.Fatalf("empty list: %v %v", ids, err)
	}
	for _, bad := range []string{"0,x", "1,1", "-1"} {
		if _, err := ParseVisible(bad); !errors.Is(err, fault.ErrConfig) {
			t.Fatalf("%q: expected config error, got %v", bad, err)
		}
	}
}

func TestVisibleDevicesFromEnv(t *testing.T) {
	t.Setenv(envVisibleDevices, "1,0")
	ids, ok, err := VisibleDevices()
	if err != nil || !ok {
		t.Fatalf("VisibleDevices: ok=%v err=%v", ok, err)
	}
	if !slices.Equal(ids, []int{1, 0}) {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestHostAllocAccounting(t *testing.T) {
	t.Parallel()
	h := NewHost(2, 100)
	b, err := h.Alloc(1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if h.Used(1) != 60 || h.Used(0) != 0 {
		t.Fatalf("unexpected usage %d/%d", h.Used(0), h.Used(1))
	}
	if len(b.Bytes()) != 60 || b.Device() != 1 {
		t.Fatalf("unexpected buffer %d bytes on %d", len(b.Bytes()), b.Device())
	}
	if _, err := h.Alloc(1, 41); !errors.Is(err, ErrOutOfMemory) || !errors.Is(err, fault.ErrResource) {
		t.Fatalf("expected out of memory, got %v", err)
	}
	if err := b.Free(); err != nil {
		t.Fatal(err)
	}
	if err := b.Free(); err != nil {
		t.Fatalf("double free should be a no-op: %v", err)
	}
	if h.Used(1) != 0 {
		t.Fatalf("usage after free: %d", h.Used(1))
	}
	if _, err := h.Alloc(2, 1); !errors.Is(err, fault.ErrConfig) {
		t.Fatalf("invisible device: got %v", err)
	}
}

func TestHostStreams(t *testing.T) {
	t.Parallel()
	h := NewHost(1, 0)
	s1, err := h.NewStream(0)
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := h.NewStream(0)
	if s1.ID() == s2.ID() {
		t.Fatal("stream ids should be unique")
	}
	if h.Streams() != 2 {
		t.Fatalf("expected 2 streams, got %d", h.Streams())
	}
	if err := s1.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := s1.Destroy(); err == nil {
		t.Fatal("expected error destroying twice")
	}
	if h.Streams() != 1 {
		t.Fatalf("expected 1 stream, got %d", h.Streams())
	}
}
