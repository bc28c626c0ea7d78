// Package model binds a model configuration and a parallel plan to the
// communicators, weight shards and instances a serving runtime executes.
package model

import (
	"context"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/weights"
)

// Model is the construction protocol exposed to the serving runtime.
type Model interface {
	// BuildCommunicators is collective: every rank of the deployment must
	// call it. It returns one set per local rank.
	BuildCommunicators(ctx context.Context) (map[int]*comm.Set, error)
	// BuildSharedWeights builds the shard for a local device once.
	BuildSharedWeights(ctx context.Context, device int) (*weights.Shard, error)
	CreateInstance(ctx context.Context, req InstanceRequest) (*Instance, error)
	Describe() Description
}

// Phase is the construction state of a descriptor. It only moves forward.
type Phase int

const (
	Unconfigured Phase = iota
	CommunicatorsBuilt
	WeightsBuilt
	InstancesReady
	Failed
)

func (p Phase) String() string {
	switch p {
	case Unconfigured:
		return "unconfigured"
	case CommunicatorsBuilt:
		return "communicators_built"
	case WeightsBuilt:
		return "weights_built"
	case InstancesReady:
		return "instances_ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
