package model

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/samcharles93/strata/internal/checkpoint"
	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/weights"
)

// Options configures a Descriptor. Runtime collaborators are passed in
// explicitly; nothing is read from process-wide state.
type Options struct {
	Config Config
	Plan   topology.Plan
	// Ranks are the ranks hosted by this process.
	Ranks []int
	// VisibleDevices defaults to Runtime.Count().
	VisibleDevices int
	Runtime        device.Runtime
	// Loader defaults to the safetensors files in Config.CheckpointDir.
	Loader weights.Loader
	// Transport and Store default to in-process implementations, which
	// only work when every rank lives in this process.
	Transport comm.Transport
	Store     comm.Store
	// Namespace defaults to the model name. It must be identical across
	// processes and unique per deployment.
	Namespace string
	// RunID identifies one launch attempt. Required when Store outlives
	// the deployment, so a restart never pairs with a previous run's keys.
	RunID       string
	CommTimeout time.Duration
	Custom      comm.CustomOptions
	// InstancesPerRank is the number of communicator sets built per rank,
	// bounding how many instances of a rank may be live at once.
	InstancesPerRank int
	// LoadParallelism bounds concurrent tensor reads per shard.
	LoadParallelism int
}

// Descriptor orchestrates one model deployment within one process.
type Descriptor struct {
	cfg     Config
	plan    topology.Plan
	family  *familySpec
	prompts *prompt.Table
	opts    Options
	coords  map[int]topology.Coord // local rank
	devices map[int]topology.Coord // device
	arena   *weights.Arena

	loadMu  sync.Mutex
	loader  weights.Loader
	ownedCk *checkpoint.Dir

	mu        sync.Mutex
	phase     Phase
	failure   error
	building  bool
	comms     map[int][]*commSlot
	instances map[string]*Instance
	// broken holds the resource error of each local device that failed
	// its weight build.
	broken map[int]error
}

type commSlot struct {
	set   *comm.Set
	owner string
}

var _ Model = (*Descriptor)(nil)

// New validates the configuration against the plan. Every configuration
// error is reported here, before any collective is attempted.
func New(opts Options) (*Descriptor, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	family, err := lookupFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	plan := opts.Plan
	if err := plan.Validate(plan.WorldSize()); err != nil {
		return nil, err
	}
	if opts.Runtime == nil {
		return nil, fault.Configf("model %s: no device runtime", cfg.Name)
	}
	if opts.VisibleDevices == 0 {
		opts.VisibleDevices = opts.Runtime.Count()
	}
	if opts.InstancesPerRank == 0 {
		opts.InstancesPerRank = 1
	}
	if opts.InstancesPerRank < 0 {
		return nil, fault.Configf("instances per rank must be positive, got %d", opts.InstancesPerRank)
	}
	if opts.Namespace == "" {
		opts.Namespace = cfg.Name
	}
	if opts.Loader == nil && cfg.CheckpointDir == "" {
		return nil, fault.Configf("model %s: no checkpoint directory", cfg.Name)
	}
	if len(opts.Ranks) == 0 {
		return nil, fault.Configf("model %s: no local ranks", cfg.Name)
	}

	// Check every shard boundary now so no rank enters a collective with
	// a plan another rank will reject.
	for tr := range plan.TensorParallel {
		if _, err := plan.HeadRange(tr, cfg.HeadNum); err != nil {
			return nil, err
		}
		if _, err := topology.Split(cfg.InterSize, plan.TensorParallel, tr); err != nil {
			return nil, fault.Configf("ffn inner size %d over tensor size %d: %w", cfg.InterSize, plan.TensorParallel, err)
		}
	}
	if _, err := plan.LayerRange(0, cfg.NumLayer); err != nil {
		return nil, err
	}

	table, err := prompt.New(cfg.Prompt)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		cfg:       cfg,
		plan:      plan,
		family:    family,
		prompts:   table,
		opts:      opts,
		coords:    make(map[int]topology.Coord, len(opts.Ranks)),
		devices:   make(map[int]topology.Coord),
		arena:     weights.NewArena(),
		loader:    opts.Loader,
		comms:     make(map[int][]*commSlot),
		instances: make(map[string]*Instance),
		broken:    make(map[int]error),
	}
	for _, rank := range opts.Ranks {
		if _, dup := d.coords[rank]; dup {
			return nil, fault.Configf("local rank %d listed twice", rank)
		}
		c, err := plan.Locate(rank, opts.VisibleDevices)
		if err != nil {
			return nil, err
		}
		if c.Device >= opts.Runtime.Count() {
			return nil, fault.Configf("rank %d maps to device %d, runtime %s has %d",
				rank, c.Device, opts.Runtime.Name(), opts.Runtime.Count())
		}
		// A device holds one shard, so every rank on it needs the same one.
		if prev, ok := d.devices[c.Device]; ok &&
			(prev.TensorRank != c.TensorRank || prev.PipelineRank != c.PipelineRank) {
			return nil, fault.Configf("ranks %d and %d share device %d but own different shards (%s vs %s)",
				prev.Rank, rank, c.Device, prev, c)
		}
		d.coords[rank] = c
		if _, ok := d.devices[c.Device]; !ok {
			d.devices[c.Device] = c
		}
	}
	return d, nil
}

func (d *Descriptor) Config() Config {
	return d.cfg
}

func (d *Descriptor) Plan() topology.Plan {
	return d.plan
}

func (d *Descriptor) Prompts() *prompt.Table {
	return d.prompts
}

// Phase returns the current construction phase.
func (d *Descriptor) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Devices returns the local devices, ascending.
func (d *Descriptor) Devices() []int {
	return slices.Sorted(maps.Keys(d.devices))
}

// Ranks returns the local ranks, ascending.
func (d *Descriptor) Ranks() []int {
	return slices.Sorted(maps.Keys(d.coords))
}

// Coord returns the coordinate of a local rank.
func (d *Descriptor) Coord(rank int) (topology.Coord, bool) {
	c, ok := d.coords[rank]
	return c, ok
}

// WeightBuilds reports how many shard builds have started.
func (d *Descriptor) WeightBuilds() int {
	return d.arena.Builds()
}

// checkUsable returns an error once the descriptor has failed. Callers hold mu.
func (d *Descriptor) checkUsable() error {
	if d.phase == Failed {
		return &fault.Error{Kind: fault.ErrUsage, Err: fmt.Errorf("model %s failed: %w", d.cfg.Name, d.failure)}
	}
	return nil
}

// fail moves the descriptor to Failed. Usage errors and caller
// cancellation leave it untouched.
func (d *Descriptor) fail(err error) error {
	if err == nil || fault.KindOf(err) == fault.ErrUsage || errors.Is(err, context.Canceled) {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != Failed {
		d.phase = Failed
		d.failure = err
	}
	return err
}

// checkDevice returns an error once dev has failed. Callers hold mu.
func (d *Descriptor) checkDevice(dev int) error {
	if err, ok := d.broken[dev]; ok {
		return &fault.Error{Kind: fault.ErrUsage, Err: fmt.Errorf("model %s: device %d failed: %w", d.cfg.Name, dev, err)}
	}
	return nil
}

// failDevice records a resource error against dev alone; other devices keep
// serving. The descriptor fails once every local device has. Errors of any
// other kind go through fail.
func (d *Descriptor) failDevice(dev int, err error) error {
	if fault.KindOf(err) != fault.ErrResource || errors.Is(err, context.Canceled) {
		return d.fail(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.broken[dev]; !ok {
		d.broken[dev] = err
	}
	if len(d.broken) == len(d.devices) && d.phase != Failed {
		d.phase = Failed
		d.failure = err
	}
	return err
}

// advance recomputes the phase from what has been built. Callers hold mu.
func (d *Descriptor) advance() {
	if d.phase == Failed {
		return
	}
	next := Unconfigured
	if len(d.comms) > 0 {
		next = CommunicatorsBuilt
		if len(d.arena.Devices()) > 0 {
			next = WeightsBuilt
		}
		if len(d.instances) > 0 {
			next = InstancesReady
		}
	}
	d.phase = max(d.phase, next)
}

func (d *Descriptor) fingerprint() string {
	return fmt.Sprintf("%s,model=%s,family=%s,layers=%d,heads=%d,quant=%s",
		d.plan.Fingerprint(), d.cfg.Name, d.family.Name, d.cfg.NumLayer, d.cfg.HeadNum, d.cfg.Quantization)
}

// BuildCommunicators forms the tensor and pipeline groups of every local
// rank. It may be called once per descriptor.
func (d *Descriptor) BuildCommunicators(ctx context.Context) (map[int]*comm.Set, error) {
	d.mu.Lock()
	if err := d.checkUsable(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if d.building || len(d.comms) > 0 {
		d.mu.Unlock()
		return nil, fault.Usagef("model %s: communicators already built", d.cfg.Name)
	}
	d.building = true
	d.mu.Unlock()

	transport := d.opts.Transport
	if transport == nil {
		transport = comm.NewLoopback()
	}
	store := d.opts.Store
	if store == nil {
		store = comm.NewMemStore()
	}
	log := logger.FromContext(ctx)
	start := time.Now()

	pools := make(map[int][]*commSlot, len(d.coords))
	for i := range d.opts.InstancesPerRank {
		sets, err := comm.Build(ctx, comm.BuildOptions{
			Plan:           d.plan,
			Ranks:          d.Ranks(),
			VisibleDevices: d.opts.VisibleDevices,
			Transport:      transport,
			Store:          store,
			Namespace:      fmt.Sprintf("%s/comm/%d", d.opts.Namespace, i),
			RunID:          d.opts.RunID,
			Fingerprint:    d.fingerprint(),
			Timeout:        d.opts.CommTimeout,
			Custom:         d.opts.Custom,
		})
		if err != nil {
			for _, pool := range pools {
				for _, s := range pool {
					_ = s.set.Close()
				}
			}
			d.mu.Lock()
			d.building = false
			d.mu.Unlock()
			return nil, d.fail(err)
		}
		for rank, s := range sets {
			pools[rank] = append(pools[rank], &commSlot{set: s})
		}
	}

	out := make(map[int]*comm.Set, len(pools))
	for rank, pool := range pools {
		out[rank] = pool[0].set
	}
	d.mu.Lock()
	d.building = false
	d.comms = pools
	d.advance()
	d.mu.Unlock()

	log.Info("communicators built",
		"model", d.cfg.Name,
		"plan", d.plan.String(),
		"ranks", d.Ranks(),
		"transport", transport.Name(),
		"sets_per_rank", d.opts.InstancesPerRank,
		"elapsed", time.Since(start))
	return out, nil
}

// BuildSharedWeights builds the shard for device, or returns the one
// already built. Concurrent callers share a single build.
func (d *Descriptor) BuildSharedWeights(ctx context.Context, dev int) (*weights.Shard, error) {
	coord, ok := d.devices[dev]
	if !ok {
		return nil, fault.Usagef("model %s: device %d hosts no local rank (local devices %v)", d.cfg.Name, dev, d.Devices())
	}
	d.mu.Lock()
	err := d.checkUsable()
	if err == nil {
		err = d.checkDevice(dev)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	shard, err := d.arena.GetOrBuild(ctx, dev, func(ctx context.Context) (*weights.Shard, error) {
		loader, err := d.checkpointLoader()
		if err != nil {
			return nil, &weights.ResourceError{Device: dev, Err: err}
		}
		layout := append(d.family.Layout(), d.prompts.Specs()...)
		return weights.Build(ctx, weights.Input{
			Coord:       coord,
			Plan:        d.plan,
			NumLayer:    d.cfg.NumLayer,
			HeadNum:     d.cfg.HeadNum,
			InterSize:   d.cfg.InterSize,
			DType:       d.cfg.Quantization,
			Layout:      layout,
			Loader:      loader,
			Runtime:     d.opts.Runtime,
			Parallelism: d.opts.LoadParallelism,
		})
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, d.failDevice(dev, err)
	}

	d.mu.Lock()
	d.advance()
	d.mu.Unlock()
	return shard, nil
}

func (d *Descriptor) checkpointLoader() (weights.Loader, error) {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if d.loader != nil {
		return d.loader, nil
	}
	ck, err := checkpoint.Open(d.cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	d.loader, d.ownedCk = ck, ck
	return ck, nil
}

// Close releases every communicator, the arena's shard references and any
// checkpoint the descriptor opened. Live instances keep their shards valid
// until they are closed.
func (d *Descriptor) Close() error {
	d.mu.Lock()
	pools := d.comms
	d.comms = make(map[int][]*commSlot)
	d.mu.Unlock()

	var errs []error
	for _, pool := range pools {
		for _, s := range pool {
			errs = append(errs, s.set.Close())
		}
	}
	errs = append(errs, d.arena.Close())
	d.loadMu.Lock()
	if d.ownedCk != nil {
		errs = append(errs, d.ownedCk.Close())
		d.ownedCk = nil
	}
	d.loadMu.Unlock()
	return errors.Join(errs...)
}
