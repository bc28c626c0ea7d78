// Package checkpoint reads partitions of tensors from a directory of
// safetensors files.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/samcharles93/strata/internal/topology"
)

var (
	ErrTensorNotFound   = errors.New("checkpoint: tensor not found")
	ErrCorrupt          = errors.New("checkpoint: corrupt file")
	ErrUnsupportedDType = errors.New("checkpoint: unsupported dtype")
)

// Request selects part of a tensor. Select holds one range per dimension; a
// missing or zero range selects the whole dimension. Ranges may run past the
// end of a dimension, in which case the excess is zero-filled.
type Request struct {
	Name   string
	Select []topology.Range
}

// Dir is an opened checkpoint directory. It is safe for concurrent reads.
type Dir struct {
	path    string
	files   []*mapped
	tensors map[string]entry
}

// Open maps every *.safetensors file under dir. The caller must Close it.
func Open(dir string) (*Dir, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("checkpoint: no .safetensors files in %s", dir)
	}
	slices.Sort(paths)

	d := &Dir{path: dir, tensors: make(map[string]entry)}
	for i, p := range paths {
		m, err := mapFile(p)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		d.files = append(d.files, m)
		idx, err := parseHeader(m, i)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
		for name, e := range idx {
			if prev, dup := d.tensors[name]; dup {
				_ = d.Close()
				return nil, fmt.Errorf("%w: tensor %s stored in both %s and %s",
					ErrCorrupt, name, d.files[prev.file].path, p)
			}
			d.tensors[name] = e
		}
	}
	return d, nil
}

func (d *Dir) Path() string {
	return d.path
}

// Names returns the stored tensor names, sorted.
func (d *Dir) Names() []string {
	return slices.Sorted(maps.Keys(d.tensors))
}

func (d *Dir) Describe(name string) (Info, error) {
	e, ok := d.tensors[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return Info{DType: e.DType, Shape: slices.Clone(e.Shape)}, nil
}

// ReadInto decodes the selected block of a tensor into dst as float32, in
// row-major order. len(dst) must equal the number of selected elements.
func (d *Dir) ReadInto(ctx context.Context, req Request, dst []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := d.tensors[req.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTensorNotFound, req.Name)
	}
	if len(req.Select) > len(e.Shape) {
		return fmt.Errorf("checkpoint: %s: %d ranges for a %d-dim tensor", req.Name, len(req.Select), len(e.Shape))
	}
	sel := make([]topology.Range, len(e.Shape))
	want := 1
	for i, dim := range e.Shape {
		r := topology.Range{Start: 0, End: dim}
		if i < len(req.Select) && !req.Select[i].IsZero() {
			r = req.Select[i]
		}
		if r.Start < 0 || r.End < r.Start {
			return fmt.Errorf("checkpoint: %s: invalid range %s on dim %d", req.Name, r, i)
		}
		sel[i] = r
		want *= r.Len()
	}
	if len(dst) != want {
		return fmt.Errorf("checkpoint: %s: destination holds %d elements, selection has %d", req.Name, len(dst), want)
	}
	if want == 0 {
		return nil
	}
	if len(e.Shape) == 0 {
		decode(dst, e.data, e.DType, 0)
		return nil
	}

	strides := make([]int, len(e.Shape))
	s := 1
	for i := len(e.Shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= e.Shape[i]
	}
	r := reader{src: e.data, dtype: e.DType, shape: e.Shape, strides: strides, sel: sel}
	r.copy(dst, 0, 0)
	return nil
}

// Close unmaps every file.
func (d *Dir) Close() error {
	var errs []error
	for _, m := range d.files {
		errs = append(errs, m.close())
	}
	d.files = nil
	d.tensors = nil
	return errors.Join(errs...)
}

type reader struct {
	src     []byte
	dtype   DType
	shape   []int
	strides []int
	sel     []topology.Range
}

// copy fills dst with the selection of dimension dim onwards, starting at
// element offset base of the source.
func (r *reader) copy(dst []float32, dim, base int) {
	rg := r.sel[dim]
	avail := max(min(rg.End, r.shape[dim])-rg.Start, 0)
	if dim == len(r.shape)-1 {
		if avail > 0 {
			decode(dst[:avail], r.src, r.dtype, base+rg.Start)
		}
		clear(dst[avail:])
		return
	}
	block := len(dst) / rg.Len()
	for i := range rg.Len() {
		out := dst[i*block : (i+1)*block]
		if i >= avail {
			clear(out)
			continue
		}
		r.copy(out, dim+1, base+(rg.Start+i)*r.strides[dim])
	}
}
