package checkpoint

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapped is a read-only view of a whole file.
type mapped struct {
	path    string
	data    []byte
	mmapped bool
}

// mapFile maps path read-only. If mmap is unavailable it falls back to
// reading the file into memory.
func mapFile(path string) (*mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerPrefix || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s: size %d", ErrCorrupt, path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return &mapped{path: path, data: data, mmapped: true}, nil
	}
	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return &mapped{path: path, data: data}, nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func (m *mapped) close() error {
	if m == nil || m.data == nil {
		return nil
	}
	var err error
	if m.mmapped {
		err = unix.Munmap(m.data)
	}
	m.data = nil
	m.mmapped = false
	return err
}
