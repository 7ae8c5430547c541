// Package transport is the process-group abstraction the ring distance
// engine and the cadence controller are both built on: ranks, point-to-point
// Send/Recv/Probe, blocking and non-blocking Allreduce, and subgroup
// construction by rank list.
//
// A real deployment would back this with MPI, NCCL, or a gRPC mesh; nothing
// in the reference corpus talks to a wire-level collective-communication
// library, so the implementation here models a process group as one
// goroutine per rank exchanging messages over per-(ordered-pair, tag)
// mailboxes inside a shared World. It is a faithful in-process stand-in for
// the same contract: every rank still only sees its own Group handle, Send
// is still unordered with respect to other tags, and Recv into a
// wrong-sized buffer is still a caller error.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a World that has been closed.
var ErrClosed = errors.New("transport: world is closed")

// Status describes a message a Probe found waiting, without consuming it.
type Status struct {
	// Count is the length in bytes of the waiting message.
	Count int
}

// mailboxKey identifies the single-producer/single-consumer queue carrying
// messages from world rank Src to world rank Dst tagged Tag. FIFO within a
// key is the full ordering guarantee; there is none across keys.
type mailboxKey struct {
	Src, Dst, Tag int
}

// mailbox is an unbounded FIFO queue of pending messages, with Probe/Recv
// able to block (cancelably) until one arrives.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(data []byte) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, data)
	mb.mu.Unlock()
	mb.cond.Signal()
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

// waitForHead blocks until the mailbox has a message at the front of the
// queue, the mailbox is closed, or ctx is done, then returns it without
// removing it.
func (mb *mailbox) waitForHead(ctx context.Context) ([]byte, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			mb.mu.Lock()
			mb.cond.Broadcast()
			mb.mu.Unlock()
		case <-stop:
		}
	}()

	mb.mu.Lock()
	defer mb.mu.Unlock()
	for len(mb.queue) == 0 {
		if mb.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mb.cond.Wait()
	}
	return mb.queue[0], nil
}

func (mb *mailbox) pop() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) > 0 {
		mb.queue = mb.queue[1:]
	}
}

// World owns every mailbox shared by a fixed number of ranks. Groups are
// views over a World: the full world group plus every Subgroup derived from
// it all route through the same mailbox set, keyed by world-rank identity so
// that subgroup membership never has to be re-synchronized across the
// ranks that share it.
type World struct {
	size int

	mu        sync.Mutex
	mailboxes map[mailboxKey]*mailbox
	closed    bool
}

// NewWorld creates a World of the given size and returns one Group handle
// per rank, each representing that rank's own view of the full-world
// communicator. Rank r's handle must only ever be used from rank r's own
// goroutine, matching the single-threaded-per-rank model the ring engine and
// cadence controller are written against.
func NewWorld(size int) (*World, []*Group, error) {
	if size <= 0 {
		return nil, nil, errors.Errorf("transport: world size must be positive, got %d", size)
	}
	w := &World{size: size, mailboxes: make(map[mailboxKey]*mailbox)}
	members := make([]int, size)
	for i := range members {
		members[i] = i
	}
	groups := make([]*Group, size)
	for r := 0; r < size; r++ {
		groups[r] = &Group{world: w, members: members, localRank: r}
	}
	return w, groups, nil
}

// Close releases every mailbox in the world, unblocking any goroutine
// waiting in Probe or Recv with ErrClosed.
func (w *World) Close() {
	w.mu.Lock()
	w.closed = true
	boxes := make([]*mailbox, 0, len(w.mailboxes))
	for _, mb := range w.mailboxes {
		boxes = append(boxes, mb)
	}
	w.mu.Unlock()
	for _, mb := range boxes {
		mb.close()
	}
}

func (w *World) mailboxFor(key mailboxKey) (*mailbox, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	mb, ok := w.mailboxes[key]
	if !ok {
		mb = newMailbox()
		w.mailboxes[key] = mb
	}
	return mb, nil
}

// Group is a rank's own handle onto a (sub)set of a World's ranks: its
// Rank() is this process's index within members, its Size() is len(members).
// Every member of the same logical group must construct its Group with the
// same members slice (in the same order) — see Subgroup.
type Group struct {
	world     *World
	members   []int // world-rank ids, indexed by local rank
	localRank int

	mu         sync.Mutex
	collCalls  int // counts collective calls from this rank, for internal tag assignment
}

// Rank returns this process's rank within the group, in [0, Size()).
func (g *Group) Rank() int { return g.localRank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return len(g.members) }

// Subgroup builds a new Group containing exactly the ranks named by
// localRanks (given as rank indices within this group), in the given order.
// It errors if this rank is not itself named in localRanks — every member of
// the subgroup must call Subgroup with the identical localRanks slice for
// the resulting groups to agree on membership and ordering.
func (g *Group) Subgroup(localRanks []int) (*Group, error) {
	members := make([]int, len(localRanks))
	self := -1
	seen := make(map[int]bool, len(localRanks))
	for i, lr := range localRanks {
		if lr < 0 || lr >= len(g.members) {
			return nil, errors.Errorf("transport: Subgroup rank %d out of range [0, %d)", lr, len(g.members))
		}
		if seen[lr] {
			return nil, errors.Errorf("transport: Subgroup rank %d listed more than once", lr)
		}
		seen[lr] = true
		members[i] = g.members[lr]
		if lr == g.localRank {
			self = i
		}
	}
	if self < 0 {
		return nil, errors.New("transport: this rank is not a member of the requested subgroup")
	}
	return &Group{world: g.world, members: members, localRank: self}, nil
}

func (g *Group) selfWorld() int { return g.members[g.localRank] }

func (g *Group) peerWorld(peer int) (int, error) {
	if peer < 0 || peer >= len(g.members) {
		return 0, errors.Errorf("transport: peer rank %d out of range [0, %d)", peer, len(g.members))
	}
	return g.members[peer], nil
}

// Send delivers data to peer (a rank index within this group) tagged with
// tag. Send does not block on the peer having issued a matching Recv; the
// message sits in the destination mailbox until consumed.
func (g *Group) Send(ctx context.Context, peer, tag int, data []byte) error {
	pw, err := g.peerWorld(peer)
	if err != nil {
		return err
	}
	key := mailboxKey{Src: g.selfWorld(), Dst: pw, Tag: tag}
	mb, err := g.world.mailboxFor(key)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	mb.push(buf)
	return nil
}

// Probe blocks until a message from peer tagged tag is available and
// reports its size, without consuming it. Callers use Probe to size a
// buffer before Recv when the incoming message length isn't already known.
func (g *Group) Probe(ctx context.Context, peer, tag int) (Status, error) {
	pw, err := g.peerWorld(peer)
	if err != nil {
		return Status{}, err
	}
	key := mailboxKey{Src: pw, Dst: g.selfWorld(), Tag: tag}
	mb, err := g.world.mailboxFor(key)
	if err != nil {
		return Status{}, err
	}
	head, err := mb.waitForHead(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Count: len(head)}, nil
}

// Recv blocks until a message from peer tagged tag is available and copies
// it into buf, which must be exactly the message's length (use Probe first
// if that length isn't already known). A size mismatch is a caller error,
// not a transport failure.
func (g *Group) Recv(ctx context.Context, peer, tag int, buf []byte) error {
	pw, err := g.peerWorld(peer)
	if err != nil {
		return err
	}
	key := mailboxKey{Src: pw, Dst: g.selfWorld(), Tag: tag}
	mb, err := g.world.mailboxFor(key)
	if err != nil {
		return err
	}
	head, err := mb.waitForHead(ctx)
	if err != nil {
		return err
	}
	if len(head) != len(buf) {
		return errors.Errorf("transport: Recv buffer has %d bytes, message has %d; Probe first if the size is unknown", len(buf), len(head))
	}
	copy(buf, head)
	mb.pop()
	return nil
}

// nextInternalTag returns a tag from a range reserved for this package's own
// collective implementation, disjoint from any tag a caller would pick for
// point-to-point messages. Collectives must be issued in the same relative
// order by every rank in the group — the same requirement MPI places on
// collective calls — so that every rank computes the same tag for the same
// logical call without any out-of-band coordination.
func (g *Group) nextInternalTag() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collCalls++
	return -(1 << 30) - g.collCalls
}

// ReduceOp is a commutative binary combine function over byte buffers,
// registered explicitly and passed to Allreduce/IAllreduce rather than
// resolved through a global operator table. Combine(a, b) must fold a into b
// in place; a and b are always equal length and a multiple of the element
// size the op expects.
type ReduceOp struct {
	Name        string
	Commutative bool
	Combine     func(a, b []byte) error
}

// RegisterReductionOp wraps fn as a ReduceOp. It exists mainly so custom
// reduced-precision operators (half/bfloat16 sums) read the same way at the
// call site as the built-ins, per §4.H: the core has no hidden registry,
// every Allreduce names its operator explicitly.
func RegisterReductionOp(name string, commutative bool, fn func(a, b []byte) error) ReduceOp {
	return ReduceOp{Name: name, Commutative: commutative, Combine: fn}
}

// Allreduce combines buf across every rank in the group using op and
// leaves the combined result in buf on every rank. It is implemented as a
// reduce-to-rank-0-then-broadcast: op need only be commutative, not
// associative-in-a-specific-order, since only one rank ever folds more than
// one value at a time.
func (g *Group) Allreduce(ctx context.Context, buf []byte, op ReduceOp) error {
	tag := g.nextInternalTag()
	const root = 0
	if g.localRank == root {
		acc := append([]byte(nil), buf...)
		tmp := make([]byte, len(buf))
		for peer := 1; peer < len(g.members); peer++ {
			if err := g.Recv(ctx, peer, tag, tmp); err != nil {
				return errors.Wrap(err, "transport: Allreduce gather")
			}
			if err := op.Combine(tmp, acc); err != nil {
				return errors.Wrap(err, "transport: Allreduce combine")
			}
		}
		copy(buf, acc)
		for peer := 1; peer < len(g.members); peer++ {
			if err := g.Send(ctx, peer, tag, buf); err != nil {
				return errors.Wrap(err, "transport: Allreduce broadcast")
			}
		}
		return nil
	}
	if err := g.Send(ctx, root, tag, buf); err != nil {
		return errors.Wrap(err, "transport: Allreduce send-to-root")
	}
	if err := g.Recv(ctx, root, tag, buf); err != nil {
		return errors.Wrap(err, "transport: Allreduce recv-broadcast")
	}
	return nil
}

// Broadcast copies buf from root to every other rank in the group. On root,
// buf is the source; on every other rank, buf is overwritten in place with
// root's value.
func (g *Group) Broadcast(ctx context.Context, buf []byte, root int) error {
	if root < 0 || root >= len(g.members) {
		return errors.Errorf("transport: broadcast root %d out of range [0, %d)", root, len(g.members))
	}
	tag := g.nextInternalTag()
	if g.localRank == root {
		for peer := 0; peer < len(g.members); peer++ {
			if peer == root {
				continue
			}
			if err := g.Send(ctx, peer, tag, buf); err != nil {
				return errors.Wrap(err, "transport: Broadcast send")
			}
		}
		return nil
	}
	return errors.Wrap(g.Recv(ctx, root, tag, buf), "transport: Broadcast recv")
}

// IBroadcast starts a Broadcast in the background and returns a Handle,
// mirroring IAllreduce: like IAllreduce it runs the collective on a
// background goroutine behind a caller-visible non-blocking primitive, used
// by the local parameter broadcast the cadence controller issues per
// trainable parameter.
func (g *Group) IBroadcast(ctx context.Context, buf []byte, root int) *Handle {
	h := &Handle{done: make(chan error, 1)}
	go func() {
		h.done <- g.Broadcast(ctx, buf, root)
	}()
	return h
}

// Handle is the caller's ticket for a non-blocking collective started by
// IAllreduce or IBroadcast. Wait blocks until the collective has completed
// and must be called exactly once; the buffer passed to IAllreduce or
// IBroadcast must not be touched by the caller until Wait returns.
type Handle struct {
	done   chan error
	waited bool
}

// Wait blocks until the collective this handle refers to completes, or ctx
// is done first, and returns its error. Calling Wait a second time is a
// caller error.
func (h *Handle) Wait(ctx context.Context) error {
	if h.waited {
		return errors.New("transport: Wait called twice on the same handle")
	}
	h.waited = true
	select {
	case err := <-h.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IAllreduce starts an Allreduce in the background and returns immediately
// with a Handle. This and IBroadcast are the two places this package leaves
// a goroutine running after a call returns — it's the explicit non-blocking collective
// the cadence controller's overlap-with-compute scheme depends on, not
// hidden concurrency.
func (g *Group) IAllreduce(ctx context.Context, buf []byte, op ReduceOp) *Handle {
	h := &Handle{done: make(chan error, 1)}
	go func() {
		h.done <- g.Allreduce(ctx, buf, op)
	}()
	return h
}
