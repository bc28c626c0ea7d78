package weights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samcharles93/strata/internal/checkpoint"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/topology"
)

const (
	testLayers = 4
	testHidden = 8
	testVocab  = 9
)

var testLayout = Layout{
	Replicated("wte", StageFirst),
	{Name: "h.%d.q", Stage: StageLayer, TensorDim: 0, LayerDim: NoSplit, Quantize: true},
	{Name: "h.%d.out", Stage: StageLayer, TensorDim: 1, LayerDim: NoSplit, Quantize: true},
	Replicated("h.%d.ln", StageLayer),
	Replicated("ln_f", StageLast),
	{Name: "lm_head", Stage: StageLast, TensorDim: 0, LayerDim: NoSplit, Padded: true},
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) * scale
	}
	return out
}

// countingLoader records every checkpoint access.
type countingLoader struct {
	Loader
	describes atomic.Int64
	reads     atomic.Int64
}

func (l *countingLoader) Describe(name string) (checkpoint.Info, error) {
	l.describes.Add(1)
	return l.Loader.Describe(name)
}

func (l *countingLoader) ReadInto(ctx context.Context, req checkpoint.Request, dst []float32) error {
	l.reads.Add(1)
	return l.Loader.ReadInto(ctx, req, dst)
}

func writeTestCheckpoint(t *testing.T, skip ...string) *countingLoader {
	t.Helper()
	var tensors []checkpoint.Tensor
	add := func(name string, shape ...int) {
		if slices.Contains(skip, name) {
			return
		}
		n := 1
		for _, d := range shape {
			n *= d
		}
		tensors = append(tensors, checkpoint.Tensor{Name: name, DType: checkpoint.F32, Shape: shape, Data: ramp(n, 0.5)})
	}
	add("wte", testVocab, testHidden)
	for i := range testLayers {
		add(fmt.Sprintf("h.%d.q", i), testHidden, testHidden)
		add(fmt.Sprintf("h.%d.out", i), testHidden, testHidden)
		add(fmt.Sprintf("h.%d.ln", i), testHidden)
	}
	add("ln_f", testHidden)
	add("lm_head", testVocab, testHidden)

	dir := t.TempDir()
	if err := checkpoint.WriteFile(filepath.Join(dir, "model.safetensors"), tensors); err != nil {
		t.Fatal(err)
	}
	d, err := checkpoint.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return &countingLoader{Loader: d}
}

func testInput(t *testing.T, rank int, loader Loader, rt device.Runtime) Input {
	t.Helper()
	plan := topology.Plan{TensorParallel: 2, PipelineParallel: 2}
	coord, err := plan.Locate(rank, 4)
	if err != nil {
		t.Fatal(err)
	}
	return Input{
		Coord:     coord,
		Plan:      plan,
		NumLayer:  testLayers,
		HeadNum:   4,
		InterSize: 16,
		DType:     FP32,
		Layout:    testLayout,
		Loader:    loader,
		Runtime:   rt,
	}
}

func TestBuildPartitionsByCoordinate(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)
	host := device.NewHost(4, 0)

	s0, err := Build(context.Background(), testInput(t, 0, loader, host))
	if err != nil {
		t.Fatalf("rank 0: %v", err)
	}
	if s0.Layers != (topology.Range{Start: 0, End: 2}) || s0.Heads != (topology.Range{Start: 0, End: 2}) {
		t.Fatalf("rank 0 owns layers %s heads %s", s0.Layers, s0.Heads)
	}
	if _, ok := s0.Tensor("wte"); !ok {
		t.Fatal("first stage must hold the embedding table")
	}
	if _, ok := s0.Tensor("lm_head"); ok {
		t.Fatal("first stage must not hold lm_head")
	}
	if _, ok := s0.Tensor("h.2.q"); ok {
		t.Fatal("rank 0 must not hold layer 2")
	}

	s3, err := Build(context.Background(), testInput(t, 3, loader, host))
	if err != nil {
		t.Fatalf("rank 3: %v", err)
	}
	if s3.Layers != (topology.Range{Start: 2, End: 4}) || s3.Heads != (topology.Range{Start: 2, End: 4}) {
		t.Fatalf("rank 3 owns layers %s heads %s", s3.Layers, s3.Heads)
	}
	if got := s3.LayerIndices(); !slices.Equal(got, []int{2, 3}) {
		t.Fatalf("rank 3 layers %v", got)
	}

	// Row split: rows [4,8) of an 8x8 ramp.
	q, _ := s3.Tensor("h.2.q")
	if !slices.Equal(q.Shape, []int{4, 8}) {
		t.Fatalf("q shape %v", q.Shape)
	}
	if got := q.Float32()[0]; got != 32*0.5 {
		t.Fatalf("q[0] = %v, want %v", got, 32*0.5)
	}
	// Column split: columns [4,8).
	out, _ := s3.Tensor("h.2.out")
	if !slices.Equal(out.Shape, []int{8, 4}) || out.Float32()[0] != 4*0.5 || out.Float32()[4] != 12*0.5 {
		t.Fatalf("out shape %v values %v", out.Shape, out.Float32()[:5])
	}
	// Vocab 9 padded to 10; rank 1 holds rows [5,10), the last one zero.
	head, _ := s3.Tensor("lm_head")
	if !slices.Equal(head.Shape, []int{5, 8}) {
		t.Fatalf("lm_head shape %v", head.Shape)
	}
	vals := head.Float32()
	if vals[0] != 40*0.5 {
		t.Fatalf("lm_head[0] = %v", vals[0])
	}
	for _, v := range vals[4*8:] {
		if v != 0 {
			t.Fatalf("padding row not zero: %v", vals[4*8:])
		}
	}
	layer, err := s3.Layer(3)
	if err != nil || len(layer) != 3 {
		t.Fatalf("Layer(3) = %d tensors, %v", len(layer), err)
	}
	if _, err := s3.Layer(0); !errors.Is(err, fault.ErrUsage) {
		t.Fatalf("Layer(0) on rank 3: %v", err)
	}
	if host.Used(3) != s3.Bytes() {
		t.Fatalf("device 3 holds %d bytes, shard reports %d", host.Used(3), s3.Bytes())
	}
}

func TestBuildValidatesBeforeLoading(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		apply func(*Input)
	}{
		{"layers", func(in *Input) { in.NumLayer = 3 }},
		{"heads", func(in *Input) { in.HeadNum = 3 }},
		{"inner", func(in *Input) { in.InterSize = 15 }},
		{"dtype", func(in *Input) { in.DType = "fp8" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loader := writeTestCheckpoint(t)
			in := testInput(t, 0, loader, device.NewHost(4, 0))
			tc.apply(&in)
			if _, err := Build(context.Background(), in); !errors.Is(err, fault.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
			if loader.describes.Load() != 0 || loader.reads.Load() != 0 {
				t.Fatal("loader consulted before validation")
			}
		})
	}
}

func TestBuildMissingTensor(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t, "h.3.out")
	host := device.NewHost(4, 0)
	_, err := Build(context.Background(), testInput(t, 2, loader, host))
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if re.Tensor != "h.3.out" || re.Device != 2 {
		t.Fatalf("unexpected error fields %+v", re)
	}
	if !errors.Is(err, fault.ErrResource) || !errors.Is(err, checkpoint.ErrTensorNotFound) {
		t.Fatalf("error chain incomplete: %v", err)
	}
	if loader.reads.Load() != 0 {
		t.Fatal("tensors read before the plan was complete")
	}
	if host.Used(2) != 0 {
		t.Fatal("memory allocated for a failed plan")
	}
}

func TestBuildOutOfMemory(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)
	_, err := Build(context.Background(), testInput(t, 1, loader, device.NewHost(4, 64)))
	if !errors.Is(err, device.ErrOutOfMemory) || !errors.Is(err, fault.ErrResource) {
		t.Fatalf("expected out of memory, got %v", err)
	}
	var re *ResourceError
	if !errors.As(err, &re) || re.Device != 1 {
		t.Fatalf("expected ResourceError for device 1, got %v", err)
	}
}

func TestBuildQuantized(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)

	in := testInput(t, 0, loader, device.NewHost(4, 0))
	in.DType = INT8
	s, err := Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	q, _ := s.Tensor("h.0.q")
	if q.DType != INT8 || len(q.Scales) != 4*4 {
		t.Fatalf("q stored as %s with %d scale bytes", q.DType, len(q.Scales))
	}
	want := ramp(64, 0.5)[:32]
	for i, v := range q.Float32() {
		row := i / 8
		tol := float64(want[row*8+7]) / 127
		if math.Abs(float64(v-want[i])) > tol {
			t.Fatalf("q[%d] = %v, want %v within %v", i, v, want[i], tol)
		}
	}
	ln, _ := s.Tensor("h.0.ln")
	if ln.DType != FP16 {
		t.Fatalf("1-D tensors fall back to fp16, got %s", ln.DType)
	}
	if !slices.Equal(ln.Float32(), ramp(8, 0.5)) {
		t.Fatalf("ln values %v", ln.Float32())
	}

	in.DType = FP16
	in.Runtime = device.NewHost(4, 0)
	s16, err := Build(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	q16, _ := s16.Tensor("h.0.q")
	if q16.Bytes() != 32*2 || q.Bytes() != 32+4*4 {
		t.Fatalf("q takes %d bytes as fp16 and %d as int8", q16.Bytes(), q.Bytes())
	}
}

func TestShardReferenceCounting(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)
	host := device.NewHost(4, 0)
	s, err := Build(context.Background(), testInput(t, 0, loader, host))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	if s.Refs() != 2 {
		t.Fatalf("refs = %d", s.Refs())
	}
	if err := s.Release(); err != nil || host.Used(0) == 0 {
		t.Fatalf("buffer freed while referenced: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	if host.Used(0) != 0 {
		t.Fatalf("device 0 still holds %d bytes", host.Used(0))
	}
	if err := s.Acquire(); !errors.Is(err, fault.ErrUsage) {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := s.Release(); !errors.Is(err, fault.ErrUsage) {
		t.Fatalf("double release: %v", err)
	}
}

func TestArenaBuildsOncePerDevice(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)
	host := device.NewHost(4, 0)
	arena := NewArena()
	in := testInput(t, 1, loader, host)

	const callers = 16
	shards := make([]*Shard, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := arena.GetOrBuild(context.Background(), 1, func(ctx context.Context) (*Shard, error) {
				return Build(ctx, in)
			})
			if err != nil {
				t.Error(err)
				return
			}
			shards[i] = s
		}()
	}
	wg.Wait()
	if arena.Builds() != 1 {
		t.Fatalf("builds = %d", arena.Builds())
	}
	for _, s := range shards[1:] {
		if s != shards[0] {
			t.Fatal("callers received different shards")
		}
	}
	if got := arena.Devices(); !slices.Equal(got, []int{1}) {
		t.Fatalf("devices %v", got)
	}
	if err := arena.Close(); err != nil {
		t.Fatal(err)
	}
	if host.Used(1) != 0 {
		t.Fatal("arena close did not free the shard")
	}
}

func TestArenaDoesNotCacheFailures(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	boom := errors.New("boom")
	if _, err := arena.GetOrBuild(context.Background(), 0, func(context.Context) (*Shard, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if _, ok := arena.Get(0); ok {
		t.Fatal("failed build cached")
	}
}

func TestArenaCallerCancelDoesNotFailSharedBuild(t *testing.T) {
	t.Parallel()
	loader := writeTestCheckpoint(t)
	host := device.NewHost(4, 0)
	arena := NewArena()
	defer func() { _ = arena.Close() }()
	in := testInput(t, 0, loader, host)

	started := make(chan struct{})
	proceed := make(chan struct{})
	build := func(ctx context.Context) (*Shard, error) {
		close(started)
		<-proceed
		return Build(ctx, in)
	}

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := arena.GetOrBuild(first, 0, build)
		firstErr <- err
	}()
	<-started

	type result struct {
		shard *Shard
		err   error
	}
	second := make(chan result, 1)
	go func() {
		s, err := arena.GetOrBuild(context.Background(), 0, build)
		second <- result{s, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: got %v", err)
	}
	close(proceed)
	got := <-second
	if got.err != nil {
		t.Fatalf("waiting caller failed with the other caller's cancellation: %v", got.err)
	}
	if arena.Builds() != 1 {
		t.Fatalf("builds = %d", arena.Builds())
	}
	if s, ok := arena.Get(0); !ok || s != got.shard {
		t.Fatal("completed shard not cached")
	}
}

func TestArenaCloseCancelsBuild(t *testing.T) {
	t.Parallel()
	arena := NewArena()
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := arena.GetOrBuild(context.Background(), 2, func(ctx context.Context) (*Shard, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()
	<-started
	if err := arena.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"": FP32, "FP16": FP16, "half": FP16, "int8": INT8} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseDType("fp4"); err == nil {
		t.Fatal("expected error")
	}
}
