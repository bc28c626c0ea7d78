package api

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/topology"
)

type HealthResponse struct {
	Status string      `json:"status"`
	Phase  model.Phase `json:"phase"`
	Uptime string      `json:"uptime"`
}

type InstanceObject struct {
	ID              string         `json:"id"`
	Object          string         `json:"object"`
	Rank            int            `json:"rank"`
	TensorRank      int            `json:"tensor_rank"`
	PipelineRank    int            `json:"pipeline_rank"`
	Device          int            `json:"device"`
	Stream          string         `json:"stream"`
	Layers          topology.Range `json:"layers"`
	Heads           topology.Range `json:"heads"`
	CustomAllReduce bool           `json:"custom_all_reduce"`
}

type InstanceList struct {
	Object string           `json:"object"`
	Data   []InstanceObject `json:"data"`
}

type PromptTaskObject struct {
	Object  string `json:"object"`
	Name    string `json:"name"`
	ID      int    `json:"id"`
	Length  int    `json:"length"`
	Type    string `json:"type"`
	StartID int    `json:"start_id"`
}

type PromptTaskList struct {
	Object string             `json:"object"`
	Data   []PromptTaskObject `json:"data"`
}

func instanceObject(i *model.Instance) InstanceObject {
	return InstanceObject{
		ID:              i.ID,
		Object:          "instance",
		Rank:            i.Coord.Rank,
		TensorRank:      i.Coord.TensorRank,
		PipelineRank:    i.Coord.PipelineRank,
		Device:          i.Device,
		Stream:          i.Stream.ID(),
		Layers:          i.Shard.Layers,
		Heads:           i.Shard.Heads,
		CustomAllReduce: i.Comms.Custom != nil,
	}
}

func promptTaskObject(t *prompt.Table, task prompt.Task) PromptTaskObject {
	return PromptTaskObject{
		Object:  "prompt_task",
		Name:    task.Name,
		ID:      task.ID,
		Length:  task.Length,
		Type:    t.Type().String(),
		StartID: t.StartID(),
	}
}
