package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/version"
	"github.com/samcharles93/strata/internal/weights"
)

// RankInfo is the partition a local rank owns.
type RankInfo struct {
	Rank         int            `json:"rank"`
	TensorRank   int            `json:"tensor_rank"`
	PipelineRank int            `json:"pipeline_rank"`
	Device       int            `json:"device"`
	Layers       topology.Range `json:"layers"`
	Heads        topology.Range `json:"heads"`
}

// ShardInfo summarises a built shard.
type ShardInfo struct {
	Device  int   `json:"device"`
	Tensors int   `json:"tensors"`
	Bytes   int64 `json:"bytes"`
	Refs    int   `json:"refs"`
}

// Description is the capability report handed to the serving runtime.
type Description struct {
	Name                 string        `json:"name"`
	Family               string        `json:"family"`
	CheckpointDir        string        `json:"checkpoint_dir"`
	Quantization         weights.DType `json:"quantization"`
	TensorParallelSize   int           `json:"tensor_parallel_size"`
	PipelineParallelSize int           `json:"pipeline_parallel_size"`
	WorldSize            int           `json:"world_size"`
	Phase                Phase         `json:"phase"`

	MaxSeqLen   int `json:"max_seq_len"`
	NumLayer    int `json:"num_layer"`
	HeadNum     int `json:"head_num"`
	SizePerHead int `json:"size_per_head"`
	InterSize   int `json:"inter_size"`
	VocabSize   int `json:"vocab_size"`
	RotaryDim   int `json:"rotary_embedding_dim"`
	StartID     int `json:"start_id"`
	EndID       int `json:"end_id"`

	CustomAllReduce bool          `json:"enable_custom_all_reduce"`
	PromptType      prompt.Type   `json:"prompt_learning_type"`
	PromptStartID   int           `json:"prompt_learning_start_id"`
	PromptTasks     []prompt.Task `json:"prompt_learning_tasks"`

	Ranks         []RankInfo      `json:"ranks"`
	Shards        []ShardInfo     `json:"shards"`
	FailedDevices []DeviceFailure `json:"failed_devices,omitempty"`
	Instances     int             `json:"instances"`
	Version       string          `json:"version"`
}

// DeviceFailure is a local device whose weights could not be built.
type DeviceFailure struct {
	Device int    `json:"device"`
	Error  string `json:"error"`
}

// Describe reports configuration and construction state.
func (d *Descriptor) Describe() Description {
	c := d.cfg
	desc := Description{
		Name:                 c.Name,
		Family:               d.family.Name,
		CheckpointDir:        c.CheckpointDir,
		Quantization:         c.Quantization,
		TensorParallelSize:   d.plan.TensorParallel,
		PipelineParallelSize: d.plan.PipelineParallel,
		WorldSize:            d.plan.WorldSize(),
		Phase:                d.Phase(),
		MaxSeqLen:            c.MaxSeqLen,
		NumLayer:             c.NumLayer,
		HeadNum:              c.HeadNum,
		SizePerHead:          c.SizePerHead,
		InterSize:            c.InterSize,
		VocabSize:            c.VocabSize,
		RotaryDim:            c.RotaryDim,
		StartID:              c.StartID,
		EndID:                c.EndID,
		CustomAllReduce:      d.opts.Custom.Enabled,
		PromptType:           d.prompts.Type(),
		PromptStartID:        d.prompts.StartID(),
		PromptTasks:          d.prompts.Tasks(),
		Instances:            len(d.Instances()),
		Version:              version.String(),
	}
	for _, rank := range d.Ranks() {
		co := d.coords[rank]
		// Boundaries were validated by New.
		layers, _ := d.plan.LayerRange(co.PipelineRank, c.NumLayer)
		heads, _ := d.plan.HeadRange(co.TensorRank, c.HeadNum)
		desc.Ranks = append(desc.Ranks, RankInfo{
			Rank:         rank,
			TensorRank:   co.TensorRank,
			PipelineRank: co.PipelineRank,
			Device:       co.Device,
			Layers:       layers,
			Heads:        heads,
		})
	}
	for _, dev := range d.arena.Devices() {
		s, ok := d.arena.Get(dev)
		if !ok {
			continue
		}
		desc.Shards = append(desc.Shards, ShardInfo{
			Device:  dev,
			Tensors: len(s.Names()),
			Bytes:   s.Bytes(),
			Refs:    s.Refs(),
		})
	}
	d.mu.Lock()
	for _, dev := range slices.Sorted(maps.Keys(d.broken)) {
		desc.FailedDevices = append(desc.FailedDevices, DeviceFailure{Device: dev, Error: d.broken[dev].Error()})
	}
	d.mu.Unlock()
	return desc
}

// String renders the description as key: value lines.
func (d Description) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", d.Name)
	for _, kv := range []struct {
		k string
		v any
	}{
		{"family", d.Family},
		{"model_dir", d.CheckpointDir},
		{"max_seq_len", d.MaxSeqLen},
		{"head_num", d.HeadNum},
		{"size_per_head", d.SizePerHead},
		{"inter_size", d.InterSize},
		{"num_layer", d.NumLayer},
		{"vocab_size", d.VocabSize},
		{"rotary_embedding_dim", d.RotaryDim},
		{"start_id", d.StartID},
		{"end_id", d.EndID},
		{"tensor_para_size", d.TensorParallelSize},
		{"pipeline_para_size", d.PipelineParallelSize},
		{"enable_custom_all_reduce", d.CustomAllReduce},
		{"quantization", d.Quantization},
		{"prompt_learning_type", d.PromptType},
		{"prompt_learning_start_id", d.PromptStartID},
		{"prompt_learning_tasks", len(d.PromptTasks)},
		{"phase", d.Phase},
	} {
		fmt.Fprintf(&b, "%s: %v\n", kv.k, kv.v)
	}
	return b.String()
}

// TensorParallelSize and PipelineParallelSize report the plan to the
// serving runtime.
func (d *Descriptor) TensorParallelSize() int {
	return d.plan.TensorParallel
}

func (d *Descriptor) PipelineParallelSize() int {
	return d.plan.PipelineParallel
}
