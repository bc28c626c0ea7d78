package model

import (
	"fmt"
	"path/filepath"

	"github.com/samcharles93/strata/internal/checkpoint"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/weights"
)

// Config is the logical description of a model. It is not modified after a
// descriptor is constructed from it.
type Config struct {
	Name          string        `yaml:"name" json:"name"`
	Family        string        `yaml:"family" json:"family"`
	CheckpointDir string        `yaml:"checkpoint_dir" json:"checkpoint_dir"`
	Quantization  weights.DType `yaml:"quantization" json:"quantization"`

	MaxSeqLen   int `yaml:"max_seq_len" json:"max_seq_len"`
	NumLayer    int `yaml:"num_layer" json:"num_layer"`
	HeadNum     int `yaml:"head_num" json:"head_num"`
	SizePerHead int `yaml:"size_per_head" json:"size_per_head"`
	InterSize   int `yaml:"inter_size" json:"inter_size"`
	VocabSize   int `yaml:"vocab_size" json:"vocab_size"`
	RotaryDim   int `yaml:"rotary_embedding_dim" json:"rotary_embedding_dim"`
	StartID     int `yaml:"start_id" json:"start_id"`
	EndID       int `yaml:"end_id" json:"end_id"`

	Prompt prompt.Config `yaml:"prompt_learning" json:"prompt_learning"`
}

// Hidden returns HeadNum * SizePerHead.
func (c Config) Hidden() int {
	return c.HeadNum * c.SizePerHead
}

// String is a one-line summary for logs.
func (c Config) String() string {
	return fmt.Sprintf("%s(%s, layers=%d, heads=%dx%d, inter=%d, vocab=%d, %s)",
		c.Name, c.Family, c.NumLayer, c.HeadNum, c.SizePerHead, c.InterSize, c.VocabSize, c.Quantization)
}

// Validate checks everything that does not depend on the plan.
func (c Config) Validate() error {
	if c.Name == "" {
		return fault.Configf("model name is required")
	}
	if _, err := lookupFamily(c.Family); err != nil {
		return err
	}
	if c.Quantization.Size() == 0 {
		return fault.Configf("model %s: unknown quantization %q", c.Name, c.Quantization)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"num_layer", c.NumLayer},
		{"head_num", c.HeadNum},
		{"size_per_head", c.SizePerHead},
		{"inter_size", c.InterSize},
		{"vocab_size", c.VocabSize},
	} {
		if f.v < 1 {
			return fault.Configf("model %s: %s must be positive, got %d", c.Name, f.name, f.v)
		}
	}
	if c.RotaryDim < 0 || c.RotaryDim > c.SizePerHead {
		return fault.Configf("model %s: rotary_embedding_dim %d outside [0,%d]", c.Name, c.RotaryDim, c.SizePerHead)
	}
	if c.MaxSeqLen < 0 {
		return fault.Configf("model %s: max_seq_len %d", c.Name, c.MaxSeqLen)
	}
	return nil
}

// LoadConfig builds a Config from a checkpoint directory's config.json,
// including any prompt-learning tables it declares. The name defaults to
// the directory's base name.
func LoadConfig(dir, name string, quant weights.DType) (Config, error) {
	raw, err := checkpoint.ReadConfig(dir)
	if err != nil {
		return Config{}, fault.Wrap(fault.ErrConfig, err)
	}
	dims, err := raw.Normalize()
	if err != nil {
		return Config{}, fault.Wrap(fault.ErrConfig, err)
	}
	if name == "" {
		name = filepath.Base(filepath.Clean(dir))
	}
	if quant == "" {
		quant = weights.FP16
	}
	cfg := Config{
		Name:          name,
		Family:        dims.Family,
		CheckpointDir: dir,
		Quantization:  quant,
		MaxSeqLen:     dims.MaxSeqLen,
		NumLayer:      dims.NumLayer,
		HeadNum:       dims.HeadNum,
		SizePerHead:   dims.SizePerHead,
		InterSize:     dims.InterSize,
		VocabSize:     dims.VocabSize,
		RotaryDim:     dims.RotaryDim,
		StartID:       dims.StartID,
		EndID:         dims.EndID,
	}
	if raw.PromptLearning != nil {
		pc, err := promptConfig(*raw.PromptLearning)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", dir, err)
		}
		cfg.Prompt = pc
	}
	return cfg, cfg.Validate()
}

func promptConfig(pl checkpoint.PromptLearning) (prompt.Config, error) {
	typ, err := prompt.ParseType(pl.Type)
	if err != nil {
		return prompt.Config{}, err
	}
	pc := prompt.Config{Type: typ, StartID: pl.StartID, Tasks: make(map[string]prompt.Entry, len(pl.Tasks))}
	for i, task := range pl.Tasks {
		if _, dup := pc.Tasks[task.Name]; dup {
			return prompt.Config{}, fault.Configf("prompt task %s declared twice", task.Name)
		}
		pc.Tasks[task.Name] = prompt.Entry{ID: i, Length: task.Length}
	}
	// Same checks as a table given in YAML.
	if _, err := prompt.New(pc); err != nil {
		return prompt.Config{}, err
	}
	return pc, nil
}

// promptLearning is the config.json form of a prompt table.
func promptLearning(table *prompt.Table) *checkpoint.PromptLearning {
	if !table.Enabled() {
		return nil
	}
	pl := &checkpoint.PromptLearning{Type: table.Type().String(), StartID: table.StartID()}
	for _, task := range table.Tasks() {
		pl.Tasks = append(pl.Tasks, checkpoint.PromptTask{Name: task.Name, Length: task.Length})
	}
	return pl
}
