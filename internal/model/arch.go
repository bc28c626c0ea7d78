package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/weights"
)

// familyNames maps the logical tensors of a decoder-only transformer to
// checkpoint names. Layer functions take the global layer index.
type familyNames struct {
	embedding      string
	outputNorm     string
	outputNormBias string
	lmHead         string
	lmHeadBias     string

	attnNorm     func(layer int) string
	attnNormBias func(layer int) string
	ffnNorm      func(layer int) string
	ffnNormBias  func(layer int) string

	// Either fused qkv or separate q/k/v projections.
	qkv     func(layer int) string
	qkvBias func(layer int) string
	wq      func(layer int) string
	wk      func(layer int) string
	wv      func(layer int) string
	wo      func(layer int) string
	woBias  func(layer int) string

	ffnUp       func(layer int) string
	ffnUpBias   func(layer int) string
	ffnDown     func(layer int) string
	ffnDownBias func(layer int) string
}

type familySpec struct {
	Name    string
	Aliases []string
	Names   familyNames
}

// layerTemplate turns a layer name function into a %d template.
func layerTemplate(fn func(int) string) string {
	const marker = 1 << 30
	return strings.Replace(fn(marker), fmt.Sprint(marker), "%d", 1)
}

// Layout resolves the partitioning of every tensor. Column-parallel
// matrices split their output rows, row-parallel matrices their input
// columns; norms and row-parallel biases are replicated.
func (f *familySpec) Layout() weights.Layout {
	n := f.Names
	var l weights.Layout
	layer := func(fn func(int) string, dim int, quant bool) {
		if fn == nil {
			return
		}
		spec := weights.Replicated(layerTemplate(fn), weights.StageLayer)
		if dim != weights.NoSplit {
			spec = weights.SplitOn(spec.Name, weights.StageLayer, dim)
		}
		spec.Quantize = quant
		l = append(l, spec)
	}

	l = append(l, weights.Replicated(n.embedding, weights.StageFirst))

	layer(n.attnNorm, weights.NoSplit, false)
	layer(n.attnNormBias, weights.NoSplit, false)
	layer(n.qkv, 0, true)
	layer(n.qkvBias, 0, false)
	layer(n.wq, 0, true)
	layer(n.wk, 0, true)
	layer(n.wv, 0, true)
	layer(n.wo, 1, true)
	layer(n.woBias, weights.NoSplit, false)
	layer(n.ffnNorm, weights.NoSplit, false)
	layer(n.ffnNormBias, weights.NoSplit, false)
	layer(n.ffnUp, 0, true)
	layer(n.ffnUpBias, 0, false)
	layer(n.ffnDown, 1, true)
	layer(n.ffnDownBias, weights.NoSplit, false)

	l = append(l, weights.Replicated(n.outputNorm, weights.StageLast))
	if n.outputNormBias != "" {
		l = append(l, weights.Replicated(n.outputNormBias, weights.StageLast))
	}
	head := weights.SplitOn(n.lmHead, weights.StageLast, 0)
	head.Padded = true
	l = append(l, head)
	if n.lmHeadBias != "" {
		bias := weights.SplitOn(n.lmHeadBias, weights.StageLast, 0)
		bias.Padded = true
		l = append(l, bias)
	}
	return l
}

// GPT-J: parallel attention and MLP sharing one layer norm.
func gptjSpec() *familySpec {
	return &familySpec{
		Name:    "gptj",
		Aliases: []string{"gpt-j", "gpt_j"},
		Names: familyNames{
			embedding:      "transformer.wte.weight",
			outputNorm:     "transformer.ln_f.weight",
			outputNormBias: "transformer.ln_f.bias",
			lmHead:         "lm_head.weight",
			lmHeadBias:     "lm_head.bias",
			attnNorm: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.ln_1.weight", layer)
			},
			attnNormBias: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.ln_1.bias", layer)
			},
			wq: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.attn.q_proj.weight", layer)
			},
			wk: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.attn.k_proj.weight", layer)
			},
			wv: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.attn.v_proj.weight", layer)
			},
			wo: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.attn.out_proj.weight", layer)
			},
			ffnUp: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.mlp.fc_in.weight", layer)
			},
			ffnUpBias: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.mlp.fc_in.bias", layer)
			},
			ffnDown: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.mlp.fc_out.weight", layer)
			},
			ffnDownBias: func(layer int) string {
				return fmt.Sprintf("transformer.h.%d.mlp.fc_out.bias", layer)
			},
		},
	}
}

// GPT-NeoX: fused qkv stored head-major, so a contiguous row block is a
// contiguous block of heads.
func gptneoxSpec() *familySpec {
	return &familySpec{
		Name:    "gptneox",
		Aliases: []string{"gpt_neox", "gpt-neox", "neox"},
		Names: familyNames{
			embedding:      "gpt_neox.embed_in.weight",
			outputNorm:     "gpt_neox.final_layer_norm.weight",
			outputNormBias: "gpt_neox.final_layer_norm.bias",
			lmHead:         "embed_out.weight",
			attnNorm: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.input_layernorm.weight", layer)
			},
			attnNormBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.input_layernorm.bias", layer)
			},
			ffnNorm: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.post_attention_layernorm.weight", layer)
			},
			ffnNormBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.post_attention_layernorm.bias", layer)
			},
			qkv: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.attention.query_key_value.weight", layer)
			},
			qkvBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.attention.query_key_value.bias", layer)
			},
			wo: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.attention.dense.weight", layer)
			},
			woBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.attention.dense.bias", layer)
			},
			ffnUp: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.mlp.dense_h_to_4h.weight", layer)
			},
			ffnUpBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.mlp.dense_h_to_4h.bias", layer)
			},
			ffnDown: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.mlp.dense_4h_to_h.weight", layer)
			},
			ffnDownBias: func(layer int) string {
				return fmt.Sprintf("gpt_neox.layers.%d.mlp.dense_4h_to_h.bias", layer)
			},
		},
	}
}

var familyRegistry = []func() *familySpec{gptjSpec, gptneoxSpec}

func lookupFamily(name string) (*familySpec, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, mk := range familyRegistry {
		f := mk()
		if f.Name == name || slices.Contains(f.Aliases, name) {
			return f, nil
		}
	}
	return nil, fault.Configf("unsupported model family %q (supported: %s)", name, strings.Join(Families(), ", "))
}

// Families lists the supported family names.
func Families() []string {
	out := make([]string, 0, len(familyRegistry))
	for _, mk := range familyRegistry {
		out = append(out, mk().Name)
	}
	return out
}
