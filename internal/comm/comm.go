// Package comm forms the collective communication groups of a tensor/pipeline
// parallel deployment.
//
// Group membership is derived from the plan alone, so every rank computes the
// same groups independently. The transport that actually moves bytes is a
// collaborator behind the Transport interface.
package comm

import (
	"context"
	"errors"
	"slices"

	"github.com/samcharles93/strata/internal/topology"
)

// Axis names the parallel dimension a group spans.
type Axis string

const (
	AxisTensor   Axis = "tensor"
	AxisPipeline Axis = "pipeline"
)

// GroupSpec describes one rank's view of a group.
type GroupSpec struct {
	ID      string
	Axis    Axis
	Members []int // global ranks, in group order
	Rank    int   // global rank of the caller
}

// Position returns the caller's index in Members, or -1.
func (s GroupSpec) Position() int {
	return slices.Index(s.Members, s.Rank)
}

// Group is a rank's local handle to a collective group.
type Group interface {
	ID() string
	Members() []int
	// Rank is the caller's position within the group.
	Rank() int
	Size() int
	// AllReduce sums buf element-wise across the group, in place.
	AllReduce(ctx context.Context, buf []float32) error
	// Broadcast copies the buffer of the member at position root to everyone.
	Broadcast(ctx context.Context, buf []float32, root int) error
	Barrier(ctx context.Context) error
	Close() error
}

// Transport creates groups. NewGroup blocks until every member has joined.
type Transport interface {
	Name() string
	NewGroup(ctx context.Context, spec GroupSpec) (Group, error)
}

// Set is the communicator set owned by one rank.
type Set struct {
	Coord    topology.Coord
	Tensor   Group
	Pipeline Group
	// Custom is nil when the custom all-reduce is disabled or unsupported.
	Custom CustomComm
}

// AllReduce reduces across the tensor group, taking the custom path when it
// accepts the message.
func (s *Set) AllReduce(ctx context.Context, buf []float32) error {
	if s.Custom != nil {
		handled, err := s.Custom.AllReduce(ctx, buf)
		if err != nil || handled {
			return err
		}
	}
	return s.Tensor.AllReduce(ctx, buf)
}

func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.Custom != nil {
		errs = append(errs, s.Custom.Close())
	}
	if s.Tensor != nil {
		errs = append(errs, s.Tensor.Close())
	}
	if s.Pipeline != nil {
		errs = append(errs, s.Pipeline.Close())
	}
	return errors.Join(errs...)
}
