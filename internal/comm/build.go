package comm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/topology"
)

// DefaultTimeout bounds communicator setup when BuildOptions.Timeout is zero.
const DefaultTimeout = 2 * time.Minute

// BuildOptions configures Build. Every rank of the deployment must pass the
// same Plan, Namespace, RunID and Custom settings.
type BuildOptions struct {
	Plan topology.Plan
	// Ranks are the ranks hosted by this process.
	Ranks          []int
	VisibleDevices int
	Transport      Transport
	Store          Store
	// Namespace prefixes every store key; one per descriptor lifetime.
	Namespace string
	// RunID scopes the keys to one launch attempt. A store that outlives
	// the deployment (the rendezvous server) needs a fresh RunID per
	// attempt; a rank that already joined a run cannot join it again.
	RunID string
	// Fingerprint defaults to Plan.Fingerprint(). Callers may append model
	// identity so ranks loading different checkpoints refuse to pair up.
	Fingerprint string
	Timeout     time.Duration
	Custom      CustomOptions
}

func (o BuildOptions) validate() error {
	if err := o.Plan.Validate(o.Plan.WorldSize()); err != nil {
		return err
	}
	if len(o.Ranks) == 0 {
		return fault.Configf("no local ranks")
	}
	seen := make(map[int]bool, len(o.Ranks))
	for _, r := range o.Ranks {
		if r < 0 || r >= o.Plan.WorldSize() {
			return fault.Configf("local rank %d outside world [0,%d)", r, o.Plan.WorldSize())
		}
		if seen[r] {
			return fault.Configf("local rank %d listed twice", r)
		}
		seen[r] = true
	}
	if o.Transport == nil {
		return fault.Configf("no collective transport configured")
	}
	if o.Store == nil {
		return fault.Configf("no rendezvous store configured")
	}
	return nil
}

// Build forms the tensor and pipeline groups for every local rank.
//
// Build is collective: every rank of the deployment must reach it, in every
// process, or it fails once the timeout expires. Local ranks rendezvous
// concurrently. On failure every group formed so far is closed and no set is
// returned.
func Build(ctx context.Context, opts BuildOptions) (map[int]*Set, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = opts.Plan.Fingerprint()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		sets = make(map[int]*Set, len(opts.Ranks))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, rank := range opts.Ranks {
		g.Go(func() error {
			s, err := buildRank(gctx, opts, rank)
			if err != nil {
				return err
			}
			mu.Lock()
			sets[rank] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sets {
			_ = s.Close()
		}
		if fault.KindOf(err) == nil {
			err = fault.Wrap(fault.ErrDistributed, err)
		}
		return nil, err
	}
	return sets, nil
}

func buildRank(ctx context.Context, opts BuildOptions, rank int) (set *Set, err error) {
	coord, err := opts.Plan.Locate(rank, opts.VisibleDevices)
	if err != nil {
		return nil, err
	}
	log := logger.ForRank(logger.FromContext(ctx), coord.Rank, coord.Device)

	if err := opts.Store.Set(ctx, claimKey(opts, rank), uuid.NewString()); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fault.Distributedf("rank %d already joined run %q of %s; relaunch with a fresh run id",
				rank, opts.RunID, opts.Namespace)
		}
		return nil, fmt.Errorf("rank %d: claim: %w", rank, err)
	}
	if err := opts.Store.Set(ctx, planKey(opts, rank), opts.Fingerprint); err != nil {
		return nil, fmt.Errorf("rank %d: publish plan: %w", rank, err)
	}

	set = &Set{Coord: coord}
	defer func() {
		if err != nil {
			_ = set.Close()
			set = nil
		}
	}()

	set.Tensor, err = formGroup(ctx, opts, AxisTensor, coord.PipelineRank,
		opts.Plan.TensorGroup(coord.PipelineRank), rank)
	if err != nil {
		return nil, err
	}
	set.Pipeline, err = formGroup(ctx, opts, AxisPipeline, coord.TensorRank,
		opts.Plan.PipelineGroup(coord.TensorRank), rank)
	if err != nil {
		return nil, err
	}

	if opts.Custom.Enabled && opts.Plan.TensorParallel > 1 {
		custom, cerr := NewCustomAllReduce(set.Tensor, opts.Custom)
		switch {
		case errors.Is(cerr, ErrCustomUnsupported):
			log.Warn("custom all-reduce disabled", "reason", cerr.Error())
		case cerr != nil:
			return nil, cerr
		default:
			set.Custom = custom
		}
	}

	log.Debug("communicators ready",
		"tensor_group", set.Tensor.ID(), "pipeline_group", set.Pipeline.ID(),
		"custom_all_reduce", set.Custom != nil)
	return set, nil
}

// formGroup agrees on a group id (minted by the lowest member), checks every
// member presented the same plan, then joins the transport group.
func formGroup(ctx context.Context, opts BuildOptions, axis Axis, index int, members []int, rank int) (Group, error) {
	idKey := fmt.Sprintf("%s/group/%s/%d", keyPrefix(opts), axis, index)
	var id string
	if rank == members[0] {
		id = uuid.NewString()
		if err := opts.Store.Set(ctx, idKey, id); err != nil {
			return nil, fmt.Errorf("rank %d: publish %s group id: %w", rank, axis, err)
		}
	} else {
		v, err := opts.Store.Wait(ctx, idKey)
		if err != nil {
			return nil, fault.Wrap(fault.ErrDistributed,
				fmt.Errorf("rank %d: waiting for %s group %d id from rank %d: %w", rank, axis, index, members[0], err))
		}
		id = v
	}

	for _, m := range members {
		fp, err := opts.Store.Wait(ctx, planKey(opts, m))
		if err != nil {
			return nil, fault.Wrap(fault.ErrDistributed,
				fmt.Errorf("rank %d: waiting for plan of rank %d: %w", rank, m, err))
		}
		if fp != opts.Fingerprint {
			return nil, fault.Distributedf("rank %d presented plan %q, rank %d presented %q",
				m, fp, rank, opts.Fingerprint)
		}
	}

	g, err := opts.Transport.NewGroup(ctx, GroupSpec{
		ID:      id,
		Axis:    axis,
		Members: slices.Clone(members),
		Rank:    rank,
	})
	if err != nil {
		return nil, fault.Wrap(fault.ErrDistributed, fmt.Errorf("rank %d: join %s group: %w", rank, axis, err))
	}
	return g, nil
}

func keyPrefix(opts BuildOptions) string {
	if opts.RunID == "" {
		return opts.Namespace
	}
	return opts.Namespace + "/run/" + opts.RunID
}

func planKey(opts BuildOptions, rank int) string {
	return fmt.Sprintf("%s/plan/%d", keyPrefix(opts), rank)
}

func claimKey(opts BuildOptions, rank int) string {
	return fmt.Sprintf("%s/claim/%d", keyPrefix(opts), rank)
}
