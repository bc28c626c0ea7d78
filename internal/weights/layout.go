// Package weights builds the per-device partition of a model's parameters.
package weights

import (
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/topology"
)

// DType is the storage type of a shard tensor.
type DType string

const (
	FP32 DType = "fp32"
	FP16 DType = "fp16"
	INT8 DType = "int8"
)

func (d DType) Size() int {
	switch d {
	case FP32:
		return 4
	case FP16:
		return 2
	case INT8:
		return 1
	default:
		return 0
	}
}

// ParseDType accepts the quantization mode names used in configuration.
func ParseDType(s string) (DType, error) {
	switch DType(strings.ToLower(strings.TrimSpace(s))) {
	case FP32, "float32", "":
		return FP32, nil
	case FP16, "float16", "half":
		return FP16, nil
	case INT8:
		return INT8, nil
	default:
		return "", fmt.Errorf("unknown quantization mode %q", s)
	}
}

// Stage says which pipeline stages hold a tensor.
type Stage int

const (
	// StageLayer tensors are per transformer layer; the spec name carries a
	// %d verb for the layer index.
	StageLayer Stage = iota
	StageFirst
	StageLast
	StageAll
)

func (s Stage) String() string {
	switch s {
	case StageLayer:
		return "layer"
	case StageFirst:
		return "first"
	case StageLast:
		return "last"
	case StageAll:
		return "all"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// NoSplit marks a dimension field as unused.
const NoSplit = -1

// TensorSpec describes how one checkpoint tensor is partitioned.
type TensorSpec struct {
	Name  string
	Stage Stage
	// TensorDim is split across tensor ranks, or NoSplit to replicate.
	TensorDim int
	// LayerDim is split across pipeline stages for tensors that stack every
	// layer along one dimension, or NoSplit.
	LayerDim int
	// Padded allows TensorDim to be padded up to a multiple of the tensor
	// parallel size. The padding is zero-filled.
	Padded bool
	// Quantize marks 2-D matrices eligible for int8 storage.
	Quantize bool
}

// Replicated returns a spec kept whole on every rank of its stage.
func Replicated(name string, stage Stage) TensorSpec {
	return TensorSpec{Name: name, Stage: stage, TensorDim: NoSplit, LayerDim: NoSplit}
}

// SplitOn returns a spec split across tensor ranks on dim.
func SplitOn(name string, stage Stage, dim int) TensorSpec {
	return TensorSpec{Name: name, Stage: stage, TensorDim: dim, LayerDim: NoSplit}
}

// Layout is the full set of tensors a shard is built from.
type Layout []TensorSpec

// names expands the layout for one stage, in layout order.
func (l Layout) names(layers topology.Range, first, last bool) []resolved {
	var out []resolved
	for _, spec := range l {
		switch spec.Stage {
		case StageLayer:
			for i := layers.Start; i < layers.End; i++ {
				out = append(out, resolved{spec: spec, name: fmt.Sprintf(spec.Name, i), layer: i})
			}
		case StageFirst:
			if first {
				out = append(out, resolved{spec: spec, name: spec.Name, layer: -1})
			}
		case StageLast:
			if last {
				out = append(out, resolved{spec: spec, name: spec.Name, layer: -1})
			}
		case StageAll:
			out = append(out, resolved{spec: spec, name: spec.Name, layer: -1})
		}
	}
	return out
}

type resolved struct {
	spec  TensorSpec
	name  string
	layer int
}
