// Package topology maps global ranks onto a tensor/pipeline parallel plan.
//
// Everything here is pure: the same plan and rank always produce the same
// coordinates, group membership and partition ranges, so every rank can
// derive them independently without a coordinator.
package topology

import (
	"fmt"

	"github.com/samcharles93/strata/internal/fault"
)

// Plan is the parallelism plan shared by every rank of a deployment.
type Plan struct {
	TensorParallel   int `yaml:"tensor_parallel" json:"tensor_parallel"`
	PipelineParallel int `yaml:"pipeline_parallel" json:"pipeline_parallel"`
}

// Coord locates one rank inside the plan.
type Coord struct {
	Rank         int `json:"rank"`
	TensorRank   int `json:"tensor_rank"`
	PipelineRank int `json:"pipeline_rank"`
	Device       int `json:"device"`
}

func (c Coord) String() string {
	return fmt.Sprintf("rank=%d tp=%d pp=%d device=%d", c.Rank, c.TensorRank, c.PipelineRank, c.Device)
}

// WorldSize returns T*P.
func (p Plan) WorldSize() int {
	return p.TensorParallel * p.PipelineParallel
}

// Validate checks the plan against the number of participating ranks.
// It must run before any collective setup: a mismatch detected here is a
// configuration error instead of a hang inside the transport.
func (p Plan) Validate(world int) error {
	if p.TensorParallel < 1 {
		return fault.Configf("tensor parallel size must be >= 1, got %d", p.TensorParallel)
	}
	if p.PipelineParallel < 1 {
		return fault.Configf("pipeline parallel size must be >= 1, got %d", p.PipelineParallel)
	}
	if p.WorldSize() != world {
		return fault.Configf("plan tp=%d pp=%d needs %d ranks, deployment has %d",
			p.TensorParallel, p.PipelineParallel, p.WorldSize(), world)
	}
	return nil
}

// Fingerprint is compared across ranks during communicator setup.
func (p Plan) Fingerprint() string {
	return fmt.Sprintf("tp=%d,pp=%d,world=%d", p.TensorParallel, p.PipelineParallel, p.WorldSize())
}

func (p Plan) String() string {
	return fmt.Sprintf("tp=%d pp=%d", p.TensorParallel, p.PipelineParallel)
}

// TensorRank returns rank mod T.
func (p Plan) TensorRank(rank int) int {
	return rank % p.TensorParallel
}

// PipelineRank returns rank div T.
func (p Plan) PipelineRank(rank int) int {
	return rank / p.TensorParallel
}

// RankOf is the inverse of (TensorRank, PipelineRank).
func (p Plan) RankOf(tensorRank, pipelineRank int) int {
	return pipelineRank*p.TensorParallel + tensorRank
}

// Locate resolves a rank into its coordinates. visibleDevices is the number
// of accelerators visible to this process; see DeviceIndex.
func (p Plan) Locate(rank, visibleDevices int) (Coord, error) {
	if err := p.Validate(p.WorldSize()); err != nil {
		return Coord{}, err
	}
	if rank < 0 || rank >= p.WorldSize() {
		return Coord{}, fault.Configf("rank %d outside world [0,%d)", rank, p.WorldSize())
	}
	dev, err := DeviceIndex(rank, visibleDevices)
	if err != nil {
		return Coord{}, err
	}
	return Coord{
		Rank:         rank,
		TensorRank:   p.TensorRank(rank),
		PipelineRank: p.PipelineRank(rank),
		Device:       dev,
	}, nil
}

// DeviceIndex assigns rank mod visibleDevices.
func DeviceIndex(rank, visibleDevices int) (int, error) {
	if visibleDevices < 1 {
		return 0, fault.Configf("no visible devices")
	}
	if rank < 0 {
		return 0, fault.Configf("negative rank %d", rank)
	}
	return rank % visibleDevices, nil
}

// TensorGroup returns the ranks sharing pipelineRank, ordered by tensorRank.
func (p Plan) TensorGroup(pipelineRank int) []int {
	out := make([]int, p.TensorParallel)
	for t := range out {
		out[t] = p.RankOf(t, pipelineRank)
	}
	return out
}

// PipelineGroup returns the ranks sharing tensorRank, ordered by pipelineRank.
func (p Plan) PipelineGroup(tensorRank int) []int {
	out := make([]int, p.PipelineParallel)
	for s := range out {
		out[s] = p.RankOf(tensorRank, s)
	}
	return out
}

// IsFirstStage reports whether the pipeline rank holds the first layers.
func (p Plan) IsFirstStage(pipelineRank int) bool {
	return pipelineRank == 0
}

// IsLastStage reports whether the pipeline rank holds the final layers.
func (p Plan) IsLastStage(pipelineRank int) bool {
	return pipelineRank == p.PipelineParallel-1
}
