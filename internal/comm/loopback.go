package comm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/strata/internal/fault"
)

const (
	opAllReduce   = "all_reduce"
	opBroadcast   = "broadcast"
	opBarrier     = "barrier"
	opPeerBarrier = "peer_barrier"
)

// Loopback is an in-process Transport: every rank is a goroutine of the same
// process. Members of a group can address each other's staging buffers, so
// loopback groups support the custom all-reduce.
type Loopback struct {
	mu   sync.Mutex
	hubs map[string]*hub
}

func NewLoopback() *Loopback {
	return &Loopback{hubs: make(map[string]*hub)}
}

func (l *Loopback) Name() string {
	return "loopback"
}

func (l *Loopback) NewGroup(ctx context.Context, spec GroupSpec) (Group, error) {
	pos := spec.Position()
	if pos < 0 {
		return nil, fault.Distributedf("rank %d is not a member of group %s %v", spec.Rank, spec.ID, spec.Members)
	}

	l.mu.Lock()
	h, ok := l.hubs[spec.ID]
	if !ok {
		h = newHub(spec.ID, spec.Members)
		l.hubs[spec.ID] = h
	}
	l.mu.Unlock()

	if !slices.Equal(h.members, spec.Members) {
		return nil, fault.Distributedf("group %s: rank %d sees members %v, others see %v",
			spec.ID, spec.Rank, spec.Members, h.members)
	}
	if empty, err := h.join(ctx, pos); err != nil {
		if empty {
			l.release(h)
		}
		return nil, err
	}
	return &loopGroup{hub: h, pos: pos, owner: l}, nil
}

// Groups returns the number of live groups.
func (l *Loopback) Groups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hubs)
}

func (l *Loopback) release(h *hub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hubs[h.id] == h {
		delete(l.hubs, h.id)
	}
}

type hub struct {
	id      string
	members []int

	mu     sync.Mutex
	joined []bool
	count  int
	ready  chan struct{}
	left   int
	cur    *round
	slots  [][]float32
}

type round struct {
	op      string
	root    int
	n       int
	bufs    [][]float32
	arrived int
	done    chan struct{}
	result  []float32
	err     error
}

func newHub(id string, members []int) *hub {
	return &hub{
		id:      id,
		members: slices.Clone(members),
		joined:  make([]bool, len(members)),
		ready:   make(chan struct{}),
	}
}

// join waits for every member. On timeout the member withdraws again;
// empty reports that nobody is left waiting on the hub.
func (h *hub) join(ctx context.Context, pos int) (empty bool, err error) {
	h.mu.Lock()
	if h.joined[pos] {
		h.mu.Unlock()
		return false, fault.Distributedf("group %s: rank %d joined twice", h.id, h.members[pos])
	}
	h.joined[pos] = true
	h.count++
	if h.count == len(h.members) {
		close(h.ready)
	}
	h.mu.Unlock()

	select {
	case <-h.ready:
		return false, nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == len(h.members) {
		// The last peer arrived as the wait expired.
		return false, nil
	}
	h.joined[pos] = false
	h.count--
	return h.count == 0, fault.Wrap(fault.ErrDistributed,
		fmt.Errorf("group %s: rank %d waiting for peers: %w", h.id, h.members[pos], ctx.Err()))
}

// collective deposits buf for this round and waits for every member. Every
// member must agree on op, root and n.
func (h *hub) collective(ctx context.Context, pos int, op string, root, n int, buf []float32) error {
	h.mu.Lock()
	r := h.cur
	if r == nil {
		r = &round{
			op:   op,
			root: root,
			n:    n,
			bufs: make([][]float32, len(h.members)),
			done: make(chan struct{}),
		}
		h.cur = r
	}
	if r.err == nil && (r.op != op || r.root != root || r.n != n) {
		r.err = fault.Distributedf("group %s: rank %d called %s(n=%d root=%d) while peers called %s(n=%d root=%d)",
			h.id, h.members[pos], op, n, root, r.op, r.n, r.root)
	}
	r.bufs[pos] = slices.Clone(buf)
	r.arrived++
	if r.arrived == len(h.members) {
		h.cur = nil
		if r.err == nil {
			r.result = r.reduce()
		}
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		if r.err != nil {
			return r.err
		}
		copy(buf, r.result)
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.ErrDistributed,
			fmt.Errorf("group %s: %s on rank %d: %w", h.id, op, h.members[pos], ctx.Err()))
	}
}

func (r *round) reduce() []float32 {
	switch r.op {
	case opAllReduce:
		out := slices.Clone(r.bufs[0])
		for _, b := range r.bufs[1:] {
			for i, v := range b {
				out[i] += v
			}
		}
		return out
	case opBroadcast:
		return r.bufs[r.root]
	default:
		return nil
	}
}

func (h *hub) peerSlots(elems int) ([][]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slots == nil {
		h.slots = make([][]float32, len(h.members))
		for i := range h.slots {
			h.slots[i] = make([]float32, elems)
		}
	}
	if len(h.slots[0]) != elems {
		return nil, fault.Distributedf("group %s: peer buffers sized %d, requested %d", h.id, len(h.slots[0]), elems)
	}
	return h.slots, nil
}

type loopGroup struct {
	hub    *hub
	pos    int
	owner  *Loopback
	closed bool
}

func (g *loopGroup) ID() string     { return g.hub.id }
func (g *loopGroup) Members() []int { return slices.Clone(g.hub.members) }
func (g *loopGroup) Rank() int      { return g.pos }
func (g *loopGroup) Size() int      { return len(g.hub.members) }

func (g *loopGroup) AllReduce(ctx context.Context, buf []float32) error {
	if g.Size() == 1 {
		return nil
	}
	return g.hub.collective(ctx, g.pos, opAllReduce, 0, len(buf), buf)
}

func (g *loopGroup) Broadcast(ctx context.Context, buf []float32, root int) error {
	if root < 0 || root >= g.Size() {
		return fmt.Errorf("group %s: broadcast root %d out of range", g.hub.id, root)
	}
	if g.Size() == 1 {
		return nil
	}
	return g.hub.collective(ctx, g.pos, opBroadcast, root, len(buf), buf)
}

func (g *loopGroup) Barrier(ctx context.Context) error {
	return g.hub.collective(ctx, g.pos, opBarrier, 0, 0, nil)
}

// PeerSlots implements PeerMemory.
func (g *loopGroup) PeerSlots(elems int) ([][]float32, error) {
	return g.hub.peerSlots(elems)
}

// PeerBarrier implements PeerMemory.
func (g *loopGroup) PeerBarrier(ctx context.Context, n int) error {
	return g.hub.collective(ctx, g.pos, opPeerBarrier, 0, n, nil)
}

func (g *loopGroup) Close() error {
	h := g.hub
	h.mu.Lock()
	if g.closed {
		h.mu.Unlock()
		return nil
	}
	g.closed = true
	h.left++
	last := h.left == len(h.members)
	h.mu.Unlock()
	if last {
		g.owner.release(h)
	}
	return nil
}
