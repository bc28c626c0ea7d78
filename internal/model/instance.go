package model

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/strata/internal/comm"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/fault"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/prompt"
	"github.com/samcharles93/strata/internal/topology"
	"github.com/samcharles93/strata/internal/weights"
)

// InstanceRequest names the rank and device an instance runs on. Stream and
// Comms are optional: a nil Stream is created on the device and destroyed
// with the instance, a nil Comms claims the rank's next free set.
type InstanceRequest struct {
	Device int
	Rank   int
	Stream device.Stream
	Comms  *comm.Set
}

// Metadata is what the serving runtime reports about an instance.
type Metadata struct {
	Name                 string        `json:"name"`
	Family               string        `json:"family"`
	Quantization         weights.DType `json:"quantization"`
	TensorParallelSize   int           `json:"tensor_parallel_size"`
	PipelineParallelSize int           `json:"pipeline_parallel_size"`
}

// Instance is the executable unit bound to one rank.
type Instance struct {
	ID     string
	Device int
	Coord  topology.Coord
	Stream device.Stream
	Comms  *comm.Set
	Shard  *weights.Shard
	Prompt *prompt.Table
	Meta   Metadata

	owner      *Descriptor
	slot       *commSlot
	ownsStream bool
	closeOnce  sync.Once
	closeErr   error
}

// Rank returns the global rank.
func (i *Instance) Rank() int {
	return i.Coord.Rank
}

// AllReduce sums buf across the instance's tensor group.
func (i *Instance) AllReduce(ctx context.Context, buf []float32) error {
	return i.Comms.AllReduce(ctx, buf)
}

// PromptTask resolves a prompt-learning task. Unknown tasks fail with
// prompt.ErrTaskNotFound and affect only the calling request.
func (i *Instance) PromptTask(name string) (prompt.Task, error) {
	return i.Prompt.Lookup(name)
}

// PromptEmbedding returns the task's embedding block held by this device.
func (i *Instance) PromptEmbedding(name string) (*weights.Tensor, error) {
	return i.Prompt.Embedding(i.Shard, name)
}

// Close releases the instance's shard reference, returns its communicator
// set to the descriptor and destroys a stream it created.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		var errs []error
		if i.ownsStream {
			errs = append(errs, i.Stream.Destroy())
		}
		errs = append(errs, i.Shard.Release())
		i.owner.release(i)
		i.closeErr = errors.Join(errs...)
	})
	return i.closeErr
}

// CreateInstance binds a rank's communicators to its device's shard. The
// device's weights and the rank's communicators must already be built.
func (d *Descriptor) CreateInstance(ctx context.Context, req InstanceRequest) (*Instance, error) {
	coord, ok := d.coords[req.Rank]
	if !ok {
		return nil, fault.Usagef("model %s: rank %d is not local (local ranks %v)", d.cfg.Name, req.Rank, d.Ranks())
	}
	if coord.Device != req.Device {
		return nil, fault.Usagef("model %s: rank %d runs on device %d, not %d", d.cfg.Name, req.Rank, coord.Device, req.Device)
	}
	if req.Stream != nil && req.Stream.Device() != req.Device {
		return nil, fault.Usagef("model %s: stream %s belongs to device %d, not %d",
			d.cfg.Name, req.Stream.ID(), req.Stream.Device(), req.Device)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkUsable(); err != nil {
		return nil, err
	}
	if err := d.checkDevice(req.Device); err != nil {
		return nil, err
	}
	pool, ok := d.comms[req.Rank]
	if !ok {
		return nil, fault.Usagef("model %s: communicators for rank %d not built", d.cfg.Name, req.Rank)
	}
	shard, ok := d.arena.Get(req.Device)
	if !ok {
		return nil, fault.Usagef("model %s: weights for device %d not built", d.cfg.Name, req.Device)
	}

	var slot *commSlot
	for _, s := range pool {
		if s.owner != "" || (req.Comms != nil && s.set != req.Comms) {
			continue
		}
		slot = s
		break
	}
	if slot == nil {
		if req.Comms != nil {
			return nil, fault.Usagef("model %s: communicator set is not a free set of rank %d", d.cfg.Name, req.Rank)
		}
		return nil, fault.Usagef("model %s: all %d communicator sets of rank %d are in use",
			d.cfg.Name, len(pool), req.Rank)
	}

	stream, owns := req.Stream, false
	if stream == nil {
		s, err := d.opts.Runtime.NewStream(req.Device)
		if err != nil {
			return nil, err
		}
		stream, owns = s, true
	}
	if err := shard.Acquire(); err != nil {
		if owns {
			_ = stream.Destroy()
		}
		return nil, err
	}

	inst := &Instance{
		ID:     uuid.NewString(),
		Device: req.Device,
		Coord:  coord,
		Stream: stream,
		Comms:  slot.set,
		Shard:  shard,
		Prompt: d.prompts,
		Meta: Metadata{
			Name:                 d.cfg.Name,
			Family:               d.family.Name,
			Quantization:         d.cfg.Quantization,
			TensorParallelSize:   d.plan.TensorParallel,
			PipelineParallelSize: d.plan.PipelineParallel,
		},
		owner:      d,
		slot:       slot,
		ownsStream: owns,
	}
	slot.owner = inst.ID
	d.instances[inst.ID] = inst
	d.advance()

	logger.ForRank(logger.FromContext(ctx), coord.Rank, coord.Device).Debug("instance created",
		"id", inst.ID, "stream", stream.ID(), "custom_all_reduce", slot.set.Custom != nil)
	return inst, nil
}

func (d *Descriptor) release(i *Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.instances, i.ID)
	if i.slot.owner == i.ID {
		i.slot.owner = ""
	}
}

// Instances returns the live instances.
func (d *Descriptor) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Instance, 0, len(d.instances))
	for _, i := range d.instances {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		return cmp.Or(cmp.Compare(a.Coord.Rank, b.Coord.Rank), cmp.Compare(a.ID, b.ID))
	})
	return out
}
