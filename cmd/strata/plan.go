package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/topology"
)

func planCmd() *cli.Command {
	var (
		numLayer int64
		headNum  int64
	)

	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "deployment config file",
			Destination: &configFile,
		},
		&cli.Int64Flag{
			Name:        "num-layer",
			Aliases:     []string{"layers"},
			Usage:       "number of transformer layers",
			Required:    true,
			Destination: &numLayer,
		},
		&cli.Int64Flag{
			Name:        "head-num",
			Aliases:     []string{"heads"},
			Usage:       "number of attention heads",
			Required:    true,
			Destination: &headNum,
		},
	}, commonTopologyFlags()...)

	return &cli.Command{
		Name:  "plan",
		Usage: "Print the rank, device and partition map of a parallelism plan",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyPlanConfig(cmd, cfg)
			plan := topology.Plan{TensorParallel: int(tensorParallel), PipelineParallel: int(pipelineParallel)}
			ranks, err := parseRanks(ranksSpec, plan.WorldSize())
			if err != nil {
				return err
			}
			devices := int(visibleDevices)
			if devices == 0 {
				devices = plan.WorldSize()
			}
			return printPlan(os.Stdout, plan, ranks, devices, int(numLayer), int(headNum))
		},
	}
}

func printPlan(w io.Writer, plan topology.Plan, ranks []int, devices, numLayer, headNum int) error {
	type row struct {
		coord  topology.Coord
		layers topology.Range
		heads  topology.Range
	}
	rows := make([]row, 0, len(ranks))
	for _, rank := range ranks {
		c, err := plan.Locate(rank, devices)
		if err != nil {
			return err
		}
		layers, err := plan.LayerRange(c.PipelineRank, numLayer)
		if err != nil {
			return err
		}
		heads, err := plan.HeadRange(c.TensorRank, headNum)
		if err != nil {
			return err
		}
		rows = append(rows, row{c, layers, heads})
	}

	_, _ = fmt.Fprintf(w, "Plan: %s (world %d, %d visible devices)\n\n", plan, plan.WorldSize(), devices)
	_, _ = fmt.Fprintf(w, "  %-5s %-3s %-3s %-6s %-10s %-10s %s\n", "RANK", "TP", "PP", "DEVICE", "LAYERS", "HEADS", "STAGE")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "  %-5d %-3d %-3d %-6d %-10s %-10s %s\n",
			r.coord.Rank, r.coord.TensorRank, r.coord.PipelineRank, r.coord.Device,
			r.layers, r.heads, stageName(plan, r.coord.PipelineRank))
	}
	_, _ = fmt.Fprintln(w)
	for pr := range plan.PipelineParallel {
		_, _ = fmt.Fprintf(w, "  tensor group %d: %v\n", pr, plan.TensorGroup(pr))
	}
	for tr := range plan.TensorParallel {
		_, _ = fmt.Fprintf(w, "  pipeline group %d: %v\n", tr, plan.PipelineGroup(tr))
	}
	return nil
}

func stageName(plan topology.Plan, pipelineRank int) string {
	first, last := plan.IsFirstStage(pipelineRank), plan.IsLastStage(pipelineRank)
	switch {
	case first && last:
		return "first,last"
	case first:
		return "first"
	case last:
		return "last"
	default:
		return "middle"
	}
}
