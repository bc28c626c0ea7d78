package weights

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/strata/internal/fault"
)

// Arena holds at most one shard per device.
type Arena struct {
	mu     sync.Mutex
	shards map[int]*Shard
	group  singleflight.Group
	builds atomic.Int64

	// life bounds every build; it ends when the arena is closed.
	life context.Context
	stop context.CancelFunc
}

func NewArena() *Arena {
	life, stop := context.WithCancel(context.Background())
	return &Arena{shards: make(map[int]*Shard), life: life, stop: stop}
}

// Get returns the shard already built for device.
func (a *Arena) Get(device int) (*Shard, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.shards[device]
	return s, ok
}

// GetOrBuild returns the device's shard, calling build only if none exists.
// Concurrent callers for the same device share one build. The build keeps
// the first caller's context values but not its cancellation: it runs until
// it completes or the arena is closed, so a caller that gives up returns
// its own ctx.Err() without failing the others. Failed builds are not
// cached.
func (a *Arena) GetOrBuild(ctx context.Context, device int, build func(context.Context) (*Shard, error)) (*Shard, error) {
	if s, ok := a.Get(device); ok {
		return s, nil
	}
	ch := a.group.DoChan(strconv.Itoa(device), func() (any, error) {
		if s, ok := a.Get(device); ok {
			return s, nil
		}
		bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		unhook := context.AfterFunc(a.life, cancel)
		defer unhook()

		a.builds.Add(1)
		s, err := build(bctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		if a.life.Err() != nil {
			a.mu.Unlock()
			_ = s.Release()
			return nil, fault.Usagef("device %d: arena closed during build", device)
		}
		a.shards[device] = s
		a.mu.Unlock()
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Shard), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Builds counts build invocations.
func (a *Arena) Builds() int {
	return int(a.builds.Load())
}

// Devices returns the devices holding a shard, ascending.
func (a *Arena) Devices() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.shards))
}

// Close cancels builds in flight and drops the arena's reference on every
// shard.
func (a *Arena) Close() error {
	a.stop()
	a.mu.Lock()
	shards := a.shards
	a.shards = make(map[int]*Shard)
	a.mu.Unlock()
	var errs []error
	for _, s := range shards {
		errs = append(errs, s.Release())
	}
	return errors.Join(errs...)
}
