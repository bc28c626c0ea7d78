package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/weights"
)

func TestLookupFamily(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		want      string
		wantError bool
	}{
		{name: "gptj", in: "gptj", want: "gptj"},
		{name: "gptj alias", in: "GPT-J", want: "gptj"},
		{name: "neox", in: "gpt_neox", want: "gptneox"},
		{name: "unknown", in: "mamba", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := lookupFamily(tt.in)
			if tt.wantError {
				if !errors.Is(err, fault.ErrConfig) {
					t.Fatalf("expected config error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if spec.Name != tt.want {
				t.Fatalf("family mismatch: want %q, got %q", tt.want, spec.Name)
			}
		})
	}
}

func TestFamilyLayouts(t *testing.T) {
	for _, name := range Families() {
		t.Run(name, func(t *testing.T) {
			spec, err := lookupFamily(name)
			if err != nil {
				t.Fatal(err)
			}
			layout := spec.Layout()
			byName := make(map[string]weights.TensorSpec, len(layout))
			for _, s := range layout {
				if _, dup := byName[s.Name]; dup {
					t.Fatalf("duplicate tensor %s", s.Name)
				}
				byName[s.Name] = s
				if s.Stage == weights.StageLayer && !strings.Contains(s.Name, "%d") {
					t.Fatalf("layer tensor %s has no layer verb", s.Name)
				}
				if s.Quantize && s.TensorDim == weights.NoSplit {
					t.Fatalf("quantized tensor %s is not split", s.Name)
				}
			}
			emb := byName[spec.Names.embedding]
			if emb.Stage != weights.StageFirst || emb.TensorDim != weights.NoSplit {
				t.Fatalf("embedding spec %+v", emb)
			}
			head := byName[spec.Names.lmHead]
			if head.Stage != weights.StageLast || head.TensorDim != 0 || !head.Padded {
				t.Fatalf("lm head spec %+v", head)
			}
			out := byName[layerTemplate(spec.Names.wo)]
			if out.TensorDim != 1 {
				t.Fatalf("attention output must split its input dim, got %+v", out)
			}

			cfg := testConfig()
			cfg.Family = name
			shapes := spec.shapes(cfg)
			for _, s := range shapes {
				if strings.Contains(s.name, "%") {
					t.Fatalf("unexpanded name %s", s.name)
				}
			}
		})
	}
}

func TestLayerTemplate(t *testing.T) {
	got := layerTemplate(gptjSpec().Names.wq)
	if got != "transformer.h.%d.attn.q_proj.weight" {
		t.Fatalf("got %q", got)
	}
}
