package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// ConfigFile is the subset of a Hugging Face config.json the orchestrator
// reads. GPT-J and GPT-NeoX spell the same fields differently; Normalize
// folds them together.
type ConfigFile struct {
	ModelType string `json:"model_type"`

	// GPT-J naming.
	NLayer    int  `json:"n_layer"`
	NHead     int  `json:"n_head"`
	NEmbd     int  `json:"n_embd"`
	NInner    *int `json:"n_inner"`
	RotaryDim int  `json:"rotary_dim"`
	NPosition int  `json:"n_positions"`

	// GPT-NeoX naming.
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	RotaryPct             float64 `json:"rotary_pct"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`

	VocabSize  int `json:"vocab_size"`
	BOSTokenID int `json:"bos_token_id"`
	EOSTokenID int `json:"eos_token_id"`

	PromptLearning *PromptLearning `json:"prompt_learning,omitempty"`
}

// PromptLearning declares the task embedding tables stored alongside the
// weights. A task's id is its position in Tasks.
type PromptLearning struct {
	Type    string       `json:"type"`
	StartID int          `json:"start_id"`
	Tasks   []PromptTask `json:"tasks"`
}

type PromptTask struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// Dims are the model dimensions resolved from a ConfigFile.
type Dims struct {
	Family      string
	NumLayer    int
	HeadNum     int
	SizePerHead int
	InterSize   int
	VocabSize   int
	RotaryDim   int
	MaxSeqLen   int
	StartID     int
	EndID       int
}

// Normalize resolves family-specific field names.
func (c ConfigFile) Normalize() (Dims, error) {
	d := Dims{
		Family:    c.ModelType,
		VocabSize: c.VocabSize,
		StartID:   c.BOSTokenID,
		EndID:     c.EOSTokenID,
	}
	hidden := 0
	switch c.ModelType {
	case "gptj", "gpt-j", "":
		d.Family = "gptj"
		d.NumLayer, d.HeadNum, hidden = c.NLayer, c.NHead, c.NEmbd
		d.RotaryDim = c.RotaryDim
		d.MaxSeqLen = c.NPosition
		d.InterSize = 4 * hidden
		if c.NInner != nil {
			d.InterSize = *c.NInner
		}
	case "gpt_neox", "gptneox":
		d.Family = "gptneox"
		d.NumLayer, d.HeadNum, hidden = c.NumHiddenLayers, c.NumAttentionHeads, c.HiddenSize
		d.InterSize = c.IntermediateSize
		d.MaxSeqLen = c.MaxPositionEmbeddings
	default:
		return Dims{}, fmt.Errorf("checkpoint: unsupported model_type %q", c.ModelType)
	}
	if d.HeadNum <= 0 || hidden <= 0 || hidden%d.HeadNum != 0 {
		return Dims{}, fmt.Errorf("checkpoint: hidden size %d not divisible by %d heads", hidden, d.HeadNum)
	}
	d.SizePerHead = hidden / d.HeadNum
	if d.Family == "gptneox" {
		pct := c.RotaryPct
		if pct == 0 {
			pct = 1
		}
		d.RotaryDim = int(float64(d.SizePerHead) * pct)
	}
	return d, nil
}

// ReadConfig parses dir/config.json.
func ReadConfig(dir string) (ConfigFile, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return ConfigFile{}, err
	}
	var c ConfigFile
	if err := json.Unmarshal(raw, &c); err != nil {
		return ConfigFile{}, fmt.Errorf("parse %s: %w", filepath.Join(dir, "config.json"), err)
	}
	return c, nil
}
