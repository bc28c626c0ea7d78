package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/prompt"
)

func synthCmd() *cli.Command {
	var (
		out         string
		family      string
		numLayer    int64
		headNum     int64
		sizePerHead int64
		interSize   int64
		vocabSize   int64
		maxSeqLen   int64
		seed        int64
		promptType  string
		promptTasks string
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a random checkpoint for exercising a plan without a real model",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output checkpoint directory", Required: true, Destination: &out},
			&cli.StringFlag{Name: "family", Usage: "model family (" + strings.Join(model.Families(), ", ") + ")", Value: "gptj", Destination: &family},
			&cli.Int64Flag{Name: "num-layer", Usage: "transformer layers", Value: 4, Destination: &numLayer},
			&cli.Int64Flag{Name: "head-num", Usage: "attention heads", Value: 4, Destination: &headNum},
			&cli.Int64Flag{Name: "size-per-head", Usage: "head dimension", Value: 16, Destination: &sizePerHead},
			&cli.Int64Flag{Name: "inter-size", Usage: "feed-forward size (default 4*hidden)", Destination: &interSize},
			&cli.Int64Flag{Name: "vocab-size", Usage: "vocabulary size", Value: 256, Destination: &vocabSize},
			&cli.Int64Flag{Name: "max-seq-len", Usage: "maximum sequence length", Value: 512, Destination: &maxSeqLen},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 1, Destination: &seed},
			&cli.StringFlag{Name: "prompt-type", Usage: "prompt learning type (soft_prompt, prefix_prompt, p_prompt_tuning)", Destination: &promptType},
			&cli.StringFlag{Name: "prompt-tasks", Usage: "prompt tasks as name:length pairs (taskA:10,taskB:5)", Destination: &promptTasks},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pc, err := parsePromptFlags(promptType, promptTasks, int(vocabSize))
			if err != nil {
				return err
			}
			cfg := model.Config{
				Name:         filepath.Base(filepath.Clean(out)),
				Family:       family,
				Quantization: "fp16",
				MaxSeqLen:    int(maxSeqLen),
				NumLayer:     int(numLayer),
				HeadNum:      int(headNum),
				SizePerHead:  int(sizePerHead),
				InterSize:    int(interSize),
				VocabSize:    int(vocabSize),
				RotaryDim:    int(sizePerHead),
				EndID:        int(vocabSize) - 1,
				Prompt:       pc,
			}
			if cfg.InterSize == 0 {
				cfg.InterSize = 4 * cfg.Hidden()
			}
			if err := model.WriteSynthetic(out, cfg, uint64(seed)); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("synthetic checkpoint written", "dir", out, "config", cfg.String())
			return nil
		},
	}
}

// parsePromptFlags builds a prompt config from "name:length" pairs. Task
// ids follow the listed order and prompt tokens start after the vocabulary.
func parsePromptFlags(typ, tasks string, vocab int) (prompt.Config, error) {
	t, err := prompt.ParseType(typ)
	if err != nil {
		return prompt.Config{}, err
	}
	pc := prompt.Config{Type: t}
	if strings.TrimSpace(tasks) == "" {
		return pc, nil
	}
	pc.StartID = vocab
	pc.Tasks = make(map[string]prompt.Entry)
	for i, part := range strings.Split(tasks, ",") {
		name, length, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return prompt.Config{}, fmt.Errorf("prompt task %q: want name:length", part)
		}
		n, err := strconv.Atoi(length)
		if err != nil {
			return prompt.Config{}, fmt.Errorf("prompt task %q: %w", part, err)
		}
		pc.Tasks[name] = prompt.Entry{ID: i, Length: n}
	}
	return pc, nil
}
