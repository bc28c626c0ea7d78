package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/rendezvous"
	"github.com/samcharles93/strata/internal/weights"
)

func writeSyntheticModel(t *testing.T) model.Config {
	t.Helper()
	pc, err := parsePromptFlags("soft_prompt", "taskA:4,taskB:2", 32)
	if err != nil {
		t.Fatal(err)
	}
	cfg := model.Config{
		Name:         "tiny",
		Family:       "gptj",
		Quantization: weights.FP16,
		MaxSeqLen:    32,
		NumLayer:     4,
		HeadNum:      2,
		SizePerHead:  4,
		InterSize:    16,
		VocabSize:    32,
		RotaryDim:    4,
		EndID:        31,
		Prompt:       pc,
	}
	dir := filepath.Join(t.TempDir(), "tiny")
	if err := model.WriteSynthetic(dir, cfg, 3); err != nil {
		t.Fatal(err)
	}
	loaded, err := model.LoadConfig(dir, "", weights.INT8)
	if err != nil {
		t.Fatal(err)
	}
	return loaded
}

func resetLaunchFlags() {
	tensorParallel, pipelineParallel = 2, 2
	ranksSpec = "all"
	visibleDevices, deviceMemory = 0, 0
	rendezvousURL, namespace, runID = "", "test", ""
	commTimeout = 5 * time.Second
	customAllReduce, customMaxBytes = true, 0
	instancesPerRank, loadParallelism = 1, 2
}

func TestBringUpAllRanks(t *testing.T) {
	resetLaunchFlags()
	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	ctx := context.Background()
	opts, err := launchOptions(ctx, writeSyntheticModel(t))
	if err != nil {
		t.Fatalf("launchOptions: %v", err)
	}
	if opts.VisibleDevices != 4 || len(opts.Ranks) != 4 || opts.Transport != nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	d, err := model.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	insts, err := bringUp(ctx, d)
	if err != nil {
		t.Fatalf("bringUp: %v", err)
	}
	if len(insts) != 4 || d.Phase() != model.InstancesReady || d.WeightBuilds() != 4 {
		t.Fatalf("%d instances, phase %s, %d builds", len(insts), d.Phase(), d.WeightBuilds())
	}
	q, ok := insts[0].Shard.Tensor("transformer.h.0.attn.q_proj.weight")
	if !ok || q.DType != weights.INT8 {
		t.Fatalf("expected int8 projection, got %v", q)
	}
	if _, err := insts[0].PromptTask("taskB"); err != nil {
		t.Fatal(err)
	}
	for _, inst := range insts {
		if err := inst.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolveVisibleDevices(t *testing.T) {
	resetLaunchFlags()
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	if n, err := resolveVisibleDevices([]int{2, 3}); err != nil || n != 2 {
		t.Fatalf("env devices: %d %v", n, err)
	}
	visibleDevices = 3
	if n, _ := resolveVisibleDevices([]int{2, 3}); n != 3 {
		t.Fatalf("flag must win, got %d", n)
	}
	visibleDevices = 0
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,x")
	if _, err := resolveVisibleDevices([]int{0}); err == nil {
		t.Fatal("expected error for a malformed device list")
	}
}

func TestLaunchOptionsSubsetNeedsRendezvous(t *testing.T) {
	resetLaunchFlags()
	ranksSpec = "0-1"
	if _, err := launchOptions(context.Background(), model.Config{}); err == nil {
		t.Fatal("expected error for a rank subset without rendezvous")
	}
	rendezvousURL = "http://127.0.0.1:1"
	if _, err := launchOptions(context.Background(), model.Config{}); err == nil || !strings.Contains(err.Error(), "--run-id") {
		t.Fatalf("expected missing run id error, got %v", err)
	}
}

func TestBringUpAcrossProcessesViaRendezvous(t *testing.T) {
	e := echo.New()
	rendezvous.NewServer(comm.NewMemStore()).Register(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	resetLaunchFlags()
	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	mc := writeSyntheticModel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Two "processes", each hosting one pipeline stage.
	var descs []*model.Descriptor
	for _, ranks := range []string{"0-1", "2-3"} {
		ranksSpec = ranks
		rendezvousURL = srv.URL
		runID = "attempt-1"
		customAllReduce = false
		opts, err := launchOptions(ctx, mc)
		if err != nil {
			t.Fatalf("launchOptions(%s): %v", ranks, err)
		}
		d, err := model.New(opts)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = d.Close() }()
		descs = append(descs, d)
	}

	errs := make(chan error, len(descs))
	for _, d := range descs {
		go func() {
			_, err := bringUp(ctx, d)
			errs <- err
		}()
	}
	for range descs {
		if err := <-errs; err != nil {
			t.Fatalf("bringUp: %v", err)
		}
	}
	for _, d := range descs {
		if d.Phase() != model.InstancesReady {
			t.Fatalf("phase %s", d.Phase())
		}
	}
	if got := descs[1].Describe().Ranks[0].Layers.Start; got != 2 {
		t.Fatalf("second process should own layers from 2, got %d", got)
	}
}

func TestParsePromptFlags(t *testing.T) {
	pc, err := parsePromptFlags("prefix_prompt", "a:3, b:1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Type != prompt.PrefixPrompt || pc.StartID != 100 || pc.Tasks["b"] != (prompt.Entry{ID: 1, Length: 1}) {
		t.Fatalf("unexpected config %+v", pc)
	}
	if _, err := parsePromptFlags("soft_prompt", "a", 10); err == nil {
		t.Fatal("expected error for a task without length")
	}
	if _, err := parsePromptFlags("hard_prompt", "", 10); err == nil {
		t.Fatal("expected error for unknown type")
	}
	empty, err := parsePromptFlags("", "", 10)
	if err != nil || empty.Type != prompt.None {
		t.Fatalf("empty flags: %+v %v", empty, err)
	}
}
