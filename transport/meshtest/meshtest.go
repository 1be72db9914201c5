// Package meshtest provides an in-memory mesh fabric implementing
// transport.Mesh, for exercising the Distributor, Receiver and Reboot
// Coordinator without real mesh hardware. It is a test double, not a
// production adapter — production adapters live behind tinygo build tags
// next to the components that need them.
package meshtest

import (
	"context"
	"errors"
	"sync"
	"time"

	"openenterprise/meshota/transport"
)

type inbox struct {
	mu    sync.Mutex
	queue [][2]any // [from transport.Addr, payload []byte]
	cond  *sync.Cond
}

func newInbox() *inbox {
	b := &inbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *inbox) push(from transport.Addr, payload []byte) {
	b.mu.Lock()
	b.queue = append(b.queue, [2]any{from, payload})
	b.cond.Signal()
	b.mu.Unlock()
}

// Fabric is a shared in-memory mesh: every Node registered on it can reach
// every other node's address.
type Fabric struct {
	mu    sync.Mutex
	boxes map[transport.Addr]*inbox

	// DropOnce, keyed by destination address, drops the next N sends to
	// that address (simulating a BLOCK message lost once, per the
	// block-loss-and-retry scenario).
	mu2      sync.Mutex
	dropOnce map[transport.Addr]int
}

func NewFabric() *Fabric {
	return &Fabric{
		boxes:    make(map[transport.Addr]*inbox),
		dropOnce: make(map[transport.Addr]int),
	}
}

// DropNext arranges for the next n sends addressed to 'to' to be silently
// discarded, as if the mesh had dropped them in flight.
func (f *Fabric) DropNext(to transport.Addr, n int) {
	f.mu2.Lock()
	f.dropOnce[to] += n
	f.mu2.Unlock()
}

func (f *Fabric) shouldDrop(to transport.Addr) bool {
	f.mu2.Lock()
	defer f.mu2.Unlock()
	if f.dropOnce[to] > 0 {
		f.dropOnce[to]--
		return true
	}
	return false
}

func (f *Fabric) boxFor(addr transport.Addr) *inbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boxes[addr]
	if !ok {
		b = newInbox()
		f.boxes[addr] = b
	}
	return b
}

// Node is one mesh participant backed by Fabric.
type Node struct {
	fabric  *Fabric
	self    transport.Addr
	root    bool
	parent  transport.Addr
	hasPar  bool
	nodes   []transport.Addr // routing table, root's view of leaves
}

// NewNode registers a node with the given address on the fabric.
func (f *Fabric) NewNode(addr transport.Addr, isRoot bool) *Node {
	f.boxFor(addr)
	return &Node{fabric: f, self: addr, root: isRoot}
}

// SetRoutingTable sets the addresses this (root) node can reach.
func (n *Node) SetRoutingTable(addrs []transport.Addr) { n.nodes = addrs }

// SetParent sets the parent address a leaf ACKs through.
func (n *Node) SetParent(addr transport.Addr) {
	n.parent = addr
	n.hasPar = true
}

func (n *Node) IsRoot() bool { return n.root }

func (n *Node) RoutingTable() ([]transport.Addr, error) {
	out := make([]transport.Addr, len(n.nodes))
	copy(out, n.nodes)
	return out, nil
}

func (n *Node) ParentAddress() (transport.Addr, bool) { return n.parent, n.hasPar }

func (n *Node) Send(ctx context.Context, to transport.Addr, payload []byte, tos transport.TOS) error {
	if n.fabric.shouldDrop(to) {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	n.fabric.boxFor(to).push(n.self, cp)
	return nil
}

func (n *Node) Recv(ctx context.Context, timeout time.Duration) (transport.Addr, []byte, error) {
	b := n.fabric.boxFor(n.self)
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 {
		if ctx.Err() != nil {
			return transport.Addr{}, nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.Addr{}, nil, errTimeout
		}
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
	item := b.queue[0]
	b.queue = b.queue[1:]
	return item[0].(transport.Addr), item[1].([]byte), nil
}

var errTimeout = errors.New("meshtest: recv timeout")
