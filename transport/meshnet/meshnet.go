// Package meshnet implements transport.Mesh over plain TCP on the lneto
// stack: the board mesh is WiFi/IP-connected rather than a dedicated
// low-power radio, so "mesh send" here is "dial (or reuse) a TCP
// connection to the peer's IP and write a length-prefixed frame carrying
// the sender's mesh address", and "mesh recv" is "read a framed message
// off a connection accepted on a well-known port." The accept/read loop
// follows the same listen-and-drain shape used elsewhere in this module
// for lneto-backed servers (the console, the control plane).
//
//go:build tinygo

package meshnet

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"openenterprise/meshota/transport"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	meshPort   = uint16(4343)
	frameLimit = 8192
)

// Table maps mesh addresses to IPs, since the mesh fabric here rides on
// top of ordinary IP connectivity rather than addressing radios directly.
type Table map[transport.Addr]netip.Addr

type inboundFrame struct {
	from    transport.Addr
	payload []byte
}

// Node implements transport.Mesh for one board.
type Node struct {
	stack   *xnet.StackAsync
	self    transport.Addr
	parent  transport.Addr
	hasParent bool
	isRoot  bool
	routing Table
	log     *slog.Logger

	mu    sync.Mutex
	inbox []inboundFrame
}

// New starts a Node listening for inbound mesh frames on meshPort.
func New(stack *xnet.StackAsync, self transport.Addr, isRoot bool, log *slog.Logger) *Node {
	if log == nil {
		log = slog.Default()
	}
	n := &Node{stack: stack, self: self, isRoot: isRoot, log: log, routing: Table{}}
	go n.acceptLoop()
	return n
}

// SetRoutingTable installs the mesh-address-to-IP table, normally
// populated once at join time from the upstream mesh controller.
func (n *Node) SetRoutingTable(t Table) { n.routing = t }

// SetParent records the upstream mesh address a leaf ACKs toward.
func (n *Node) SetParent(p transport.Addr) { n.parent = p; n.hasParent = true }

func (n *Node) IsRoot() bool { return n.isRoot }

func (n *Node) RoutingTable() ([]transport.Addr, error) {
	out := make([]transport.Addr, 0, len(n.routing))
	for a := range n.routing {
		if a != n.self {
			out = append(out, a)
		}
	}
	return out, nil
}

func (n *Node) ParentAddress() (transport.Addr, bool) { return n.parent, n.hasParent }

// Send transmits payload to a single mesh address, or to every routed
// peer when to is transport.Broadcast.
func (n *Node) Send(ctx context.Context, to transport.Addr, payload []byte, tos transport.TOS) error {
	if to == transport.Broadcast {
		for addr, ip := range n.routing {
			n.sendTo(addr, ip, payload)
		}
		return nil
	}
	ip, ok := n.routing[to]
	if !ok {
		n.log.Warn("meshnet:unknown-peer", slog.String("addr", to.String()))
		return nil
	}
	n.sendTo(to, ip, payload)
	return nil
}

func (n *Node) sendTo(to transport.Addr, ip netip.Addr, payload []byte) {
	var rxBuf, txBuf [2048]byte
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf[:], TxBuf: txBuf[:], TxPacketQueueSize: 3}); err != nil {
		n.log.Warn("meshnet:configure-failed", slog.String("err", err.Error()))
		return
	}
	rstack := n.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(n.stack.Prand32()>>17) + 1024
	dst := netip.AddrPortFrom(ip, meshPort)
	if err := rstack.DoDialTCP(&conn, lport, dst, 5*time.Second, 2); err != nil {
		n.log.Warn("meshnet:dial-failed", slog.String("to", to.String()), slog.String("err", err.Error()))
		conn.Abort()
		return
	}

	var hdr [10]byte
	copy(hdr[0:6], n.self[:])
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(payload)))
	conn.Write(hdr[:])
	conn.Write(payload)
	conn.Flush()

	conn.Close()
	for i := 0; i < 20 && !conn.State().IsClosed(); i++ {
		time.Sleep(50 * time.Millisecond)
	}
	conn.Abort()
}

// Recv blocks for the next inbound frame, up to timeout or ctx.Done.
func (n *Node) Recv(ctx context.Context, timeout time.Duration) (transport.Addr, []byte, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return transport.Addr{}, nil, ctx.Err()
		default:
		}
		n.mu.Lock()
		if len(n.inbox) > 0 {
			f := n.inbox[0]
			n.inbox = n.inbox[1:]
			n.mu.Unlock()
			return f.from, f.payload, nil
		}
		n.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return transport.Addr{}, nil, context.DeadlineExceeded
}

func (n *Node) acceptLoop() {
	var rxBuf, txBuf [2048]byte
	var conn tcp.Conn
	for {
		if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf[:], TxBuf: txBuf[:], TxPacketQueueSize: 3}); err != nil {
			n.log.Error("meshnet:configure-failed", slog.String("err", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if err := n.stack.ListenTCP(&conn, meshPort); err != nil {
			n.log.Error("meshnet:listen-failed", slog.String("err", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		waited := 0
		for conn.State().IsPreestablished() && waited < 3000 {
			time.Sleep(10 * time.Millisecond)
			waited++
		}
		if conn.State().IsSynchronized() {
			n.readFrame(&conn)
		}

		conn.Close()
		for i := 0; i < 20 && !conn.State().IsClosed(); i++ {
			time.Sleep(20 * time.Millisecond)
		}
		conn.Abort()
	}
}

func (n *Node) readFrame(conn *tcp.Conn) {
	var hdr [10]byte
	if !n.readExact(conn, hdr[:]) {
		return
	}
	var from transport.Addr
	copy(from[:], hdr[0:6])
	size := binary.BigEndian.Uint32(hdr[6:10])
	if size == 0 || size > frameLimit {
		n.log.Warn("meshnet:bad-frame-size", slog.Int("size", int(size)))
		return
	}
	payload := make([]byte, size)
	if !n.readExact(conn, payload) {
		return
	}
	n.mu.Lock()
	n.inbox = append(n.inbox, inboundFrame{from: from, payload: payload})
	n.mu.Unlock()
}

func (n *Node) readExact(conn *tcp.Conn, buf []byte) bool {
	total := 0
	deadline := time.Now().Add(10 * time.Second)
	for total < len(buf) && time.Now().Before(deadline) {
		nread, err := conn.Read(buf[total:])
		if err != nil && nread == 0 {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		total += nread
	}
	return total == len(buf)
}
