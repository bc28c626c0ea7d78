package comm

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/strata/internal/fault"
)

// StoreTransport runs collectives through a Store. It works across processes
// when the store is the rendezvous service, at the cost of one round trip per
// member per collective. Suited to setup-time traffic, not the request path.
type StoreTransport struct {
	Store Store
}

func NewStoreTransport(s Store) *StoreTransport {
	return &StoreTransport{Store: s}
}

func (t *StoreTransport) Name() string {
	return "store"
}

func (t *StoreTransport) NewGroup(ctx context.Context, spec GroupSpec) (Group, error) {
	pos := spec.Position()
	if pos < 0 {
		return nil, fault.Distributedf("rank %d is not a member of group %s %v", spec.Rank, spec.ID, spec.Members)
	}
	g := &storeGroup{store: t.Store, id: spec.ID, members: slices.Clone(spec.Members), pos: pos}
	if err := g.exchange(ctx, "join", "1", func(int, string) error { return nil }); err != nil {
		return nil, err
	}
	return g, nil
}

type storeGroup struct {
	store   Store
	id      string
	members []int
	pos     int
	seq     int
}

func (g *storeGroup) ID() string     { return g.id }
func (g *storeGroup) Members() []int { return slices.Clone(g.members) }
func (g *storeGroup) Rank() int      { return g.pos }
func (g *storeGroup) Size() int      { return len(g.members) }

func (g *storeGroup) key(op string, pos int) string {
	return fmt.Sprintf("%s/%s/%d/%d", g.id, op, g.seq, pos)
}

// exchange publishes value under op and visits every member's value in
// member order.
func (g *storeGroup) exchange(ctx context.Context, op, value string, visit func(pos int, v string) error) error {
	g.seq++
	if err := g.store.Set(ctx, g.key(op, g.pos), value); err != nil {
		return fault.Wrap(fault.ErrDistributed, fmt.Errorf("group %s: publish %s: %w", g.id, op, err))
	}
	for pos := range g.members {
		v, err := g.store.Wait(ctx, g.key(op, pos))
		if err != nil {
			return fault.Wrap(fault.ErrDistributed,
				fmt.Errorf("group %s: %s waiting for rank %d: %w", g.id, op, g.members[pos], err))
		}
		if err := visit(pos, v); err != nil {
			return err
		}
	}
	return nil
}

func (g *storeGroup) AllReduce(ctx context.Context, buf []float32) error {
	if g.Size() == 1 {
		return nil
	}
	sum := make([]float32, len(buf))
	err := g.exchange(ctx, opAllReduce, encodeFloats(buf), func(pos int, v string) error {
		part, err := decodeFloats(v)
		if err != nil {
			return err
		}
		if len(part) != len(buf) {
			return fault.Distributedf("group %s: rank %d reduced %d elements, rank %d reduced %d",
				g.id, g.members[pos], len(part), g.members[g.pos], len(buf))
		}
		for i, x := range part {
			sum[i] += x
		}
		return nil
	})
	if err != nil {
		return err
	}
	copy(buf, sum)
	return nil
}

func (g *storeGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	if root < 0 || root >= g.Size() {
		return fmt.Errorf("group %s: broadcast root %d out of range", g.id, root)
	}
	if g.Size() == 1 {
		return nil
	}
	g.seq++
	k := fmt.Sprintf("%s/%s/%d/%d", g.id, opBroadcast, g.seq, root)
	if g.pos == root {
		if err := g.store.Set(ctx, k, encodeFloats(buf)); err != nil {
			return fault.Wrap(fault.ErrDistributed, err)
		}
		return nil
	}
	v, err := g.store.Wait(ctx, k)
	if err != nil {
		return fault.Wrap(fault.ErrDistributed, fmt.Errorf("group %s: broadcast from %d: %w", g.id, root, err))
	}
	data, err := decodeFloats(v)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return fault.Distributedf("group %s: broadcast of %d elements into buffer of %d", g.id, len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (g *storeGroup) Barrier(ctx context.Context) error {
	return g.exchange(ctx, opBarrier, "1", func(int, string) error { return nil })
}

func (g *storeGroup) Close() error {
	return nil
}

func encodeFloats(v []float32) string {
	raw := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeFloats(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode collective payload: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode collective payload: %d bytes is not a float32 multiple", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
