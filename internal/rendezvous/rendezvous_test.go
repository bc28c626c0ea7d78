package rendezvous

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/topology"
)

func newTestServer(t *testing.T) (*httptest.Server, *comm.MemStore) {
	t.Helper()
	store := comm.NewMemStore()
	e := echo.New()
	NewServer(store).WithMaxWait(2 * time.Second).Register(e)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts, store
}

func TestSetAndWait(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t)
	c := NewClient(ts.URL, WithPoll(200*time.Millisecond))
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		v, err := c.Wait(ctx, "ns/group/tensor/0")
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- v
	}()
	time.Sleep(50 * time.Millisecond)
	if err := c.Set(ctx, "ns/group/tensor/0", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	select {
	case got := <-done:
		if got != "abc" {
			t.Fatalf("Wait returned %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	if v, ok := store.Get("ns/group/tensor/0"); !ok || v != "abc" {
		t.Fatalf("server store holds %q, %v", v, ok)
	}
}

func TestSetConflict(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	c := NewClient(ts.URL)
	ctx := context.Background()
	if err := c.Set(ctx, "k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "k", "one"); err != nil {
		t.Fatalf("repeat set with same value: %v", err)
	}
	if err := c.Set(ctx, "k", "two"); !errors.Is(err, comm.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	c := NewClient(ts.URL, WithPoll(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Wait(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Wait overran its deadline")
	}
}

func TestGetWithoutWaitIsNotFound(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/kv/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/kv/k", strings.NewReader("not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("put status %d", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/v1/kv/k?wait=soon")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("get status %d", resp.StatusCode)
	}
}

func TestHealthy(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	if err := NewClient(ts.URL).Healthy(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// buildAll forms every rank of plan, each through its own client as
// separate processes would.
func buildAll(t *testing.T, url string, plan topology.Plan, runID string) []*comm.Set {
	t.Helper()
	var wg sync.WaitGroup
	sets := make([]*comm.Set, plan.WorldSize())
	errs := make([]error, plan.WorldSize())
	for rank := range plan.WorldSize() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store := NewClient(url, WithPoll(200*time.Millisecond))
			built, err := comm.Build(context.Background(), comm.BuildOptions{
				Plan:           plan,
				Ranks:          []int{rank},
				VisibleDevices: 2,
				Transport:      comm.NewStoreTransport(store),
				Store:          store,
				Namespace:      "job",
				RunID:          runID,
				Timeout:        10 * time.Second,
			})
			if err != nil {
				errs[rank] = err
				return
			}
			sets[rank] = built[rank]
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		t.Fatal(err)
	}
	return sets
}

func TestBuildAcrossClients(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	plan := topology.Plan{TensorParallel: 2, PipelineParallel: 2}
	sets := buildAll(t, ts.URL, plan, "r1")

	var wg sync.WaitGroup
	errs := make([]error, len(sets))
	got := make([][]float32, len(sets))
	for rank, s := range sets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := []float32{float32(rank + 1)}
			errs[rank] = s.AllReduce(context.Background(), buf)
			got[rank] = buf
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		t.Fatal(err)
	}
	// Tensor groups {0,1} and {2,3}.
	want := [][]float32{{3}, {3}, {7}, {7}}
	for rank := range got {
		if !slices.Equal(got[rank], want[rank]) {
			t.Fatalf("rank %d: got %v want %v", rank, got[rank], want[rank])
		}
	}
}

// A restarted rank must not pair with the keys a previous run left behind.
func TestRestartDoesNotReuseStaleRun(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	plan := topology.Plan{TensorParallel: 2, PipelineParallel: 2}
	for _, s := range buildAll(t, ts.URL, plan, "r1") {
		_ = s.Close()
	}

	relaunch := func(runID string) error {
		store := NewClient(ts.URL, WithPoll(100*time.Millisecond))
		_, err := comm.Build(context.Background(), comm.BuildOptions{
			Plan:           plan,
			Ranks:          []int{3},
			VisibleDevices: 2,
			Transport:      comm.NewStoreTransport(store),
			Store:          store,
			Namespace:      "job",
			RunID:          runID,
			Timeout:        500 * time.Millisecond,
		})
		return err
	}

	err := relaunch("r2")
	if !errors.Is(err, fault.ErrDistributed) {
		t.Fatalf("lone rank in a fresh run: expected distributed error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("lone rank should wait for its peers until the timeout, got %v", err)
	}

	err = relaunch("r1")
	if !errors.Is(err, fault.ErrDistributed) {
		t.Fatalf("reused run id: expected distributed error, got %v", err)
	}
	if !strings.Contains(err.Error(), "fresh run id") {
		t.Fatalf("reused run id should be reported, got %v", err)
	}
}

func TestBuildFailsWithoutServer(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t)
	ts.Close()
	store := NewClient(ts.URL)
	_, err := comm.Build(context.Background(), comm.BuildOptions{
		Plan:           topology.Plan{TensorParallel: 1, PipelineParallel: 1},
		Ranks:          []int{0},
		VisibleDevices: 1,
		Transport:      comm.NewStoreTransport(store),
		Store:          store,
		Namespace:      "down",
		Timeout:        time.Second,
	})
	if !errors.Is(err, fault.ErrDistributed) {
		t.Fatalf("expected distributed error, got %v", err)
	}
}
