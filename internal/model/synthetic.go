package model

import (
	"math/rand/v2"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/checkpoint"
	"github.com/samcharles93/strata/internal/prompt"
)

type namedShape struct {
	name  string
	shape []int
}

// shapes lists every checkpoint tensor of cfg with its full shape.
func (f *familySpec) shapes(cfg Config) []namedShape {
	n := f.Names
	h, inter, vocab := cfg.Hidden(), cfg.InterSize, cfg.VocabSize
	out := []namedShape{{n.embedding, []int{vocab, h}}}
	add := func(fn func(int) string, layer int, shape ...int) {
		if fn != nil {
			out = append(out, namedShape{fn(layer), shape})
		}
	}
	for i := range cfg.NumLayer {
		add(n.attnNorm, i, h)
		add(n.attnNormBias, i, h)
		add(n.qkv, i, 3*h, h)
		add(n.qkvBias, i, 3*h)
		add(n.wq, i, h, h)
		add(n.wk, i, h, h)
		add(n.wv, i, h, h)
		add(n.wo, i, h, h)
		add(n.woBias, i, h)
		add(n.ffnNorm, i, h)
		add(n.ffnNormBias, i, h)
		add(n.ffnUp, i, inter, h)
		add(n.ffnUpBias, i, inter)
		add(n.ffnDown, i, h, inter)
		add(n.ffnDownBias, i, h)
	}
	out = append(out, namedShape{n.outputNorm, []int{h}})
	if n.outputNormBias != "" {
		out = append(out, namedShape{n.outputNormBias, []int{h}})
	}
	out = append(out, namedShape{n.lmHead, []int{vocab, h}})
	if n.lmHeadBias != "" {
		out = append(out, namedShape{n.lmHeadBias, []int{vocab}})
	}
	return out
}

// WriteSynthetic writes a checkpoint for cfg filled with seeded random
// values, plus a matching config.json. It exists to exercise a plan end to
// end without a real model.
func WriteSynthetic(dir string, cfg Config, seed uint64) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	family, err := lookupFamily(cfg.Family)
	if err != nil {
		return err
	}
	table, err := prompt.New(cfg.Prompt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	fill := func(shape []int) []float32 {
		n := 1
		for _, d := range shape {
			n *= d
		}
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64() * 0.02)
		}
		return v
	}

	shapes := family.shapes(cfg)
	if table.Enabled() {
		for _, task := range table.Tasks() {
			shape := []int{task.Length, cfg.Hidden()}
			if table.Type() == prompt.PrefixPrompt {
				shape = []int{cfg.NumLayer, 2, task.Length, cfg.Hidden()}
			}
			shapes = append(shapes, namedShape{prompt.TensorName(task.Name), shape})
		}
	}
	tensors := make([]checkpoint.Tensor, 0, len(shapes))
	for _, s := range shapes {
		tensors = append(tensors, checkpoint.Tensor{Name: s.name, DType: checkpoint.F16, Shape: s.shape, Data: fill(s.shape)})
	}
	if err := checkpoint.WriteFile(filepath.Join(dir, "model.safetensors"), tensors); err != nil {
		return err
	}

	hf := hfConfigFor(family.Name, cfg)
	if pl := promptLearning(table); pl != nil {
		hf["prompt_learning"] = pl
	}
	raw, err := json.MarshalIndent(hf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644)
}

func hfConfigFor(family string, cfg Config) map[string]any {
	common := map[string]any{
		"vocab_size":   cfg.VocabSize,
		"bos_token_id": cfg.StartID,
		"eos_token_id": cfg.EndID,
	}
	switch family {
	case "gptneox":
		common["model_type"] = "gpt_neox"
		common["num_hidden_layers"] = cfg.NumLayer
		common["num_attention_heads"] = cfg.HeadNum
		common["hidden_size"] = cfg.Hidden()
		common["intermediate_size"] = cfg.InterSize
		common["rotary_pct"] = float64(cfg.RotaryDim) / float64(cfg.SizePerHead)
		common["max_position_embeddings"] = cfg.MaxSeqLen
	default:
		common["model_type"] = "gptj"
		common["n_layer"] = cfg.NumLayer
		common["n_head"] = cfg.HeadNum
		common["n_embd"] = cfg.Hidden()
		common["n_inner"] = cfg.InterSize
		common["rotary_dim"] = cfg.RotaryDim
		common["n_positions"] = cfg.MaxSeqLen
	}
	return common
}
