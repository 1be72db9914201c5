// Package meshgw implements transport.Mesh over plain TCP using the
// standard net package, for a root node running on ordinary host
// networking (a gateway) rather than the tinygo/lneto board stack.
// Framing matches transport/meshnet: a six-byte sender mesh address
// followed by a four-byte big-endian length prefix and the payload.
//
//go:build !tinygo

package meshgw

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"openenterprise/meshota/transport"
)

const (
	meshPort   = "4343"
	frameLimit = 1 << 20
)

// Table maps mesh addresses to host:port strings reachable over ordinary
// IP networking.
type Table map[transport.Addr]string

type inboundFrame struct {
	from    transport.Addr
	payload []byte
}

// Node implements transport.Mesh for one gateway process.
type Node struct {
	self      transport.Addr
	parent    transport.Addr
	hasParent bool
	isRoot    bool
	routing   Table
	log       *slog.Logger

	mu    sync.Mutex
	inbox []inboundFrame
}

// New starts a Node listening for inbound mesh frames on meshPort.
func New(self transport.Addr, isRoot bool, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	n := &Node{self: self, isRoot: isRoot, log: log, routing: Table{}}
	ln, err := net.Listen("tcp", ":"+meshPort)
	if err != nil {
		return nil, err
	}
	go n.acceptLoop(ln)
	return n, nil
}

// SetRoutingTable installs the mesh-address-to-host table, normally
// populated once at join time from the upstream mesh controller.
func (n *Node) SetRoutingTable(t Table) { n.routing = t }

// SetParent records the upstream mesh address a leaf ACKs toward.
func (n *Node) SetParent(p transport.Addr) { n.parent = p; n.hasParent = true }

func (n *Node) IsRoot() bool { return n.isRoot }

// Connected reports whether this node has joined a mesh with at least
// one routed peer, satisfying rollback.ConnectivityChecker.
func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.routing) > 0
}

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
		for addr, hostport := range n.routing {
			n.sendTo(addr, hostport, payload)
		}
		return nil
	}
	hostport, ok := n.routing[to]
	if !ok {
		n.log.Warn("meshgw:unknown-peer", slog.String("addr", to.String()))
		return nil
	}
	n.sendTo(to, hostport, payload)
	return nil
}

func (n *Node) sendTo(to transport.Addr, hostport string, payload []byte) {
	conn, err := net.DialTimeout("tcp", hostport, 5*time.Second)
	if err != nil {
		n.log.Warn("meshgw:dial-failed", slog.String("to", to.String()), slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	var hdr [10]byte
	copy(hdr[0:6], n.self[:])
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(payload)))
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(hdr[:]); err != nil {
		n.log.Warn("meshgw:write-failed", slog.String("to", to.String()), slog.String("err", err.Error()))
		return
	}
	if _, err := conn.Write(payload); err != nil {
		n.log.Warn("meshgw:write-failed", slog.String("to", to.String()), slog.String("err", err.Error()))
	}
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

func (n *Node) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			n.log.Error("meshgw:accept-failed", slog.String("err", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		go n.handleConn(conn)
	}
}

func (n *Node) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var hdr [10]byte
	if !n.readExact(conn, hdr[:]) {
		return
	}
	var from transport.Addr
	copy(from[:], hdr[0:6])
	size := binary.BigEndian.Uint32(hdr[6:10])
	if size == 0 || size > frameLimit {
		n.log.Warn("meshgw:bad-frame-size", slog.Int("size", int(size)))
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

func (n *Node) readExact(conn net.Conn, buf []byte) bool {
	total := 0
	for total < len(buf) {
		nread, err := conn.Read(buf[total:])
		total += nread
		if err != nil {
			return total == len(buf)
		}
	}
	return true
}
