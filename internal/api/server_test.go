package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/weights"
)

func newReadyDescriptor(t *testing.T) *model.Descriptor {
	t.Helper()
	cfg := model.Config{
		Name:         "tiny",
		Family:       "gptneox",
		Quantization: weights.FP16,
		MaxSeqLen:    32,
		NumLayer:     2,
		HeadNum:      2,
		SizePerHead:  4,
		InterSize:    16,
		VocabSize:    12,
		RotaryDim:    2,
		Prompt: prompt.Config{
			Type:    prompt.PrefixPrompt,
			StartID: 12,
			Tasks: map[string]prompt.Entry{
				"taskA": {ID: 0, Length: 3},
				"taskB": {ID: 1, Length: 2},
			},
		},
	}
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "tiny")
	if err := model.WriteSynthetic(cfg.CheckpointDir, cfg, 1); err != nil {
		t.Fatal(err)
	}
	d, err := model.New(model.Options{
		Config:  cfg,
		Plan:    topology.Plan{TensorParallel: 2, PipelineParallel: 1},
		Ranks:   []int{0, 1},
		Runtime: device.NewHost(2, 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })

	ctx := context.Background()
	if _, err := d.BuildCommunicators(ctx); err != nil {
		t.Fatal(err)
	}
	for _, rank := range d.Ranks() {
		c, _ := d.Coord(rank)
		if _, err := d.BuildSharedWeights(ctx, c.Device); err != nil {
			t.Fatal(err)
		}
		if _, err := d.CreateInstance(ctx, model.InstanceRequest{Device: c.Device, Rank: rank}); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func newTestEcho(b Backend) *echo.Echo {
	e := echo.New()
	NewServer(b).Register(e)
	return e
}

func doGet(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsPhase(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newReadyDescriptor(t))
	rec := doGet(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || !strings.Contains(rec.Body.String(), `"phase":"instances_ready"`) {
		t.Fatalf("unexpected health: %s", rec.Body.String())
	}
}

type failedBackend struct {
	prompts *prompt.Table
}

func (failedBackend) Phase() model.Phase { return model.Failed }
func (failedBackend) Describe() model.Description {
	return model.Description{Name: "broken", Phase: model.Failed}
}
func (failedBackend) Instances() []*model.Instance { return nil }
func (b failedBackend) Prompts() *prompt.Table     { return b.prompts }

func TestHealthFailed(t *testing.T) {
	t.Parallel()

	table, err := prompt.New(prompt.Config{})
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEcho(failedBackend{prompts: table})
	rec := doGet(t, e, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", rec.Code)
	}
	rec = doGet(t, e, "/v1/prompt-tasks")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("disabled table list: %d %s", rec.Code, rec.Body.String())
	}
}

func TestModelDescription(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newReadyDescriptor(t))
	rec := doGet(t, e, "/v1/model")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var desc struct {
		Name   string `json:"name"`
		Family string `json:"family"`
		TP     int    `json:"tensor_parallel_size"`
		Ranks  []struct {
			Rank  int            `json:"rank"`
			Heads topology.Range `json:"heads"`
		} `json:"ranks"`
		Instances int `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if desc.Name != "tiny" || desc.Family != "gptneox" || desc.TP != 2 || desc.Instances != 2 {
		t.Fatalf("unexpected description %+v", desc)
	}
	if len(desc.Ranks) != 2 || desc.Ranks[1].Heads != (topology.Range{Start: 1, End: 2}) {
		t.Fatalf("unexpected ranks %+v", desc.Ranks)
	}

	rec = doGet(t, e, "/v1/model?format=text")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "Model: tiny\n") {
		t.Fatalf("text description: %d %q", rec.Code, rec.Body.String())
	}
	rec = doGet(t, e, "/v1/model?format=xml")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format status: %d", rec.Code)
	}
}

func TestListInstances(t *testing.T) {
	t.Parallel()

	e := newTestEcho(newReadyDescriptor(t))
	rec := doGet(t, e, "/v1/instances")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var list InstanceList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list.Data))
	}
	for i, inst := range list.Data {
		if inst.Rank != i || inst.Device != i || inst.TensorRank != i || inst.ID == "" || inst.Stream == "" {
			t.Fatalf("instance %d: %+v", i, inst)
		}
		if inst.Layers != (topology.Range{Start: 0, End: 2}) {
			t.Fatalf("instance %d layers %s", i, inst.Layers)
		}
	}
}

func TestPromptTaskLookup(t *testing.T) {
	t.Parallel()

	d := newReadyDescriptor(t)
	e := newTestEcho(d)

	rec := doGet(t, e, "/v1/prompt-tasks/taskB")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var task PromptTaskObject
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if task.ID != 1 || task.Length != 2 || task.Type != "prefix_prompt" || task.StartID != 12 {
		t.Fatalf("unexpected task %+v", task)
	}

	rec = doGet(t, e, "/v1/prompt-tasks/taskC")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status: got %d", rec.Code)
	}
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "not_found_error" || !strings.Contains(body.Error.Message, "taskC") {
		t.Fatalf("unexpected error %+v", body.Error)
	}
	if d.Phase() != model.InstancesReady {
		t.Fatalf("unknown task changed phase to %s", d.Phase())
	}

	rec = doGet(t, e, "/v1/prompt-tasks")
	var list PromptTaskList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Data) != 2 || list.Data[0].Name != "taskA" {
		t.Fatalf("unexpected list %+v", list.Data)
	}
}

func TestWriteFaultStatus(t *testing.T) {
	t.Parallel()

	e := echo.New()
	for _, tc := range []struct {
		err  error
		want int
	}{
		{prompt.ErrTaskNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	} {
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
		if err := writeFault(c, tc.err); err != nil {
			t.Fatal(err)
		}
		if rec.Code != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}
