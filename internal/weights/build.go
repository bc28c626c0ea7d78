package weights

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/checkpoint"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/topology"
)

const (
	alignment          = 64
	defaultParallelism = 4
)

// Loader reads tensor partitions from a checkpoint.
type Loader interface {
	Describe(name string) (checkpoint.Info, error)
	ReadInto(ctx context.Context, req checkpoint.Request, dst []float32) error
}

// Input is everything needed to build one device's shard.
type Input struct {
	Coord     topology.Coord
	Plan      topology.Plan
	NumLayer  int
	HeadNum   int
	InterSize int
	DType     DType
	Layout    Layout
	Loader    Loader
	Runtime   device.Runtime
	// Parallelism bounds concurrent tensor reads. Zero means 4.
	Parallelism int
}

type tensorPlan struct {
	res        resolved
	sel        []topology.Range
	shape      []int
	dtype      DType
	offset     int
	dataBytes  int
	scaleBytes int
}

// Build loads the partition of every tensor in the layout owned by
// in.Coord. Divisibility is checked before the loader is consulted, and
// every tensor is planned before device memory is allocated.
func Build(ctx context.Context, in Input) (*Shard, error) {
	layers, heads, err := in.validate()
	if err != nil {
		return nil, err
	}
	dev := in.Coord.Device
	first := in.Plan.IsFirstStage(in.Coord.PipelineRank)
	last := in.Plan.IsLastStage(in.Coord.PipelineRank)

	items := in.Layout.names(layers, first, last)
	plans := make([]tensorPlan, 0, len(items))
	total := 0
	for _, it := range items {
		p, err := in.plan(it, layers)
		if err != nil {
			return nil, err
		}
		p.offset = alignUp(total)
		total = p.offset + p.dataBytes + p.scaleBytes
		plans = append(plans, p)
	}

	buf, err := in.Runtime.Alloc(dev, int64(max(total, 1)))
	if err != nil {
		return nil, &ResourceError{Device: dev, Err: fmt.Errorf("allocate %d bytes: %w", total, err)}
	}
	host := buf.Bytes()
	if host == nil {
		_ = buf.Free()
		return nil, &ResourceError{Device: dev, Err: fmt.Errorf("runtime %s exposes no host view", in.Runtime.Name())}
	}

	shard := &Shard{
		Device:  dev,
		Coord:   in.Coord,
		Layers:  layers,
		Heads:   heads,
		DType:   in.DType,
		tensors: make(map[string]*Tensor, len(plans)),
		byLayer: make(map[int][]*Tensor),
		order:   make([]string, 0, len(plans)),
		bytes:   int64(total),
		refs:    1,
		buf:     buf,
	}
	views := make([]*Tensor, len(plans))
	for i, p := range plans {
		t := &Tensor{
			Name:  p.res.name,
			DType: p.dtype,
			Shape: p.shape,
			Layer: p.res.layer,
			Data:  host[p.offset : p.offset+p.dataBytes : p.offset+p.dataBytes],
		}
		if p.scaleBytes > 0 {
			s := p.offset + p.dataBytes
			t.Scales = host[s : s+p.scaleBytes : s+p.scaleBytes]
		}
		views[i] = t
		shard.tensors[t.Name] = t
		shard.order = append(shard.order, t.Name)
		if t.Layer >= 0 {
			shard.byLayer[t.Layer] = append(shard.byLayer[t.Layer], t)
		}
	}

	par := in.Parallelism
	if par <= 0 {
		par = defaultParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(par)
	for i, p := range plans {
		g.Go(func() error {
			scratch := make([]float32, views[i].Elements())
			req := checkpoint.Request{Name: p.res.name, Select: p.sel}
			if err := in.Loader.ReadInto(gctx, req, scratch); err != nil {
				return &ResourceError{Device: dev, Tensor: p.res.name, Err: err}
			}
			views[i].encode(scratch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = buf.Free()
		return nil, err
	}

	logger.ForRank(logger.FromContext(ctx), in.Coord.Rank, dev).Info("weights built",
		"tensors", len(plans),
		"bytes", total,
		"layers", layers.String(),
		"heads", heads.String(),
		"dtype", string(in.DType))
	return shard, nil
}

func (in Input) validate() (layers, heads topology.Range, err error) {
	if err = in.Plan.Validate(in.Plan.WorldSize()); err != nil {
		return
	}
	if in.DType.Size() == 0 {
		err = fault.Configf("unknown weight dtype %q", in.DType)
		return
	}
	if in.Loader == nil || in.Runtime == nil {
		err = fault.Configf("weights: loader and device runtime are required")
		return
	}
	if in.NumLayer < 1 || in.HeadNum < 1 {
		err = fault.Configf("weights: need at least one layer and one head, got %d and %d", in.NumLayer, in.HeadNum)
		return
	}
	if layers, err = in.Plan.LayerRange(in.Coord.PipelineRank, in.NumLayer); err != nil {
		return
	}
	if heads, err = in.Plan.HeadRange(in.Coord.TensorRank, in.HeadNum); err != nil {
		return
	}
	if _, ierr := topology.Split(in.InterSize, in.Plan.TensorParallel, in.Coord.TensorRank); ierr != nil {
		err = fault.Configf("ffn inner size %d over tensor size %d: %w", in.InterSize, in.Plan.TensorParallel, ierr)
	}
	return
}

func (in Input) plan(it resolved, layers topology.Range) (tensorPlan, error) {
	dev := in.Coord.Device
	info, err := in.Loader.Describe(it.name)
	if err != nil {
		return tensorPlan{}, &ResourceError{Device: dev, Tensor: it.name, Err: err}
	}
	spec := it.spec
	shape := slices.Clone(info.Shape)
	sel := make([]topology.Range, len(shape))

	if d := spec.TensorDim; d != NoSplit {
		if d < 0 || d >= len(shape) {
			return tensorPlan{}, fault.Configf("tensor %s: split dim %d of shape %v", it.name, d, shape)
		}
		split := topology.Split
		if spec.Padded {
			split = topology.SplitPadded
		}
		r, err := split(shape[d], in.Plan.TensorParallel, in.Coord.TensorRank)
		if err != nil {
			return tensorPlan{}, fault.Configf("tensor %s: dim %d: %w", it.name, d, err)
		}
		sel[d], shape[d] = r, r.Len()
	}
	if d := spec.LayerDim; d != NoSplit {
		if d < 0 || d >= len(shape) || info.Shape[d] != in.NumLayer {
			return tensorPlan{}, fault.Configf("tensor %s: layer dim %d of shape %v does not hold %d layers",
				it.name, d, info.Shape, in.NumLayer)
		}
		sel[d], shape[d] = layers, layers.Len()
	}

	dt := in.DType
	if dt == INT8 && !(spec.Quantize && len(shape) == 2) {
		dt = FP16
	}
	data, scales := storeSize(shape, dt)
	return tensorPlan{res: it, sel: sel, shape: shape, dtype: dt, dataBytes: data, scaleBytes: scales}, nil
}

func alignUp(n int) int {
	return (n + alignment - 1) / alignment * alignment
}
