// Package transport declares the mesh transport collaborator interface
// consumed by the core (per §6): unicast send/receive, routing table
// enumeration, and root/leaf role — all provided by an adapter outside the
// scope of this subsystem. Mesh unicast send/receive primitives, routing
// and the Wi-Fi/IP stack itself are explicitly out of scope per §1;
// this package only pins down the shape a caller can rely on.
package transport

import (
	"context"
	"time"
)

// Addr is a six-byte mesh (Ethernet MAC) address, the unit this module's data
// model calls a "mesh address".
type Addr [6]byte

func (a Addr) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 17)
	for i, b := range a {
		buf[i*3] = hex[b>>4]
		buf[i*3+1] = hex[b&0xf]
		if i < 5 {
			buf[i*3+2] = ':'
		}
	}
	return string(buf)
}

// Broadcast is the fallback destination documented in §9 as an
// explicit contract (not an accident): a leaf whose parent address is
// momentarily unknown addresses its ACK here instead of dropping it.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// TOS mirrors the mesh transport's type-of-service classes; BLOCK messages
// are sent P2P per §4.4.
type TOS int

const (
	TOSData TOS = iota
	TOSP2P
)

// Mesh is the collaborator interface every component depends on. An
// implementation can be a real mesh radio adapter (see the tinygo-tagged
// lneto-backed adapter) or, for tests, the in-memory fabric in
// transport/meshtest.
type Mesh interface {
	// IsRoot reports whether this node holds the upstream connection and
	// orchestrates distribution.
	IsRoot() bool
	// RoutingTable enumerates mesh addresses reachable from this node,
	// excluding the node's own address.
	RoutingTable() ([]Addr, error)
	// Send transmits bytes to a single mesh address.
	Send(ctx context.Context, to Addr, payload []byte, tos TOS) error
	// Recv blocks for the next inbound frame and its sender, until ctx is
	// done or timeout elapses, whichever comes first.
	Recv(ctx context.Context, timeout time.Duration) (from Addr, payload []byte, err error)
	// ParentAddress returns the upstream parent's mesh address, used by a
	// leaf as the ACK destination; ok is false if currently unknown.
	ParentAddress() (addr Addr, ok bool)
}
