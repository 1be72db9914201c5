// Package router implements the Message Router (per §4.1, component
// G): stateless dispatch of inbound mesh frames to the Distributor,
// Receiver or Reboot Coordinator by (role, command byte). Invalid
// combinations are dropped with a logged warning; undersized frames
// return InvalidSize without mutating any component's state.
package router

import (
	"context"
	"log/slog"

	"openenterprise/meshota/distributor"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/reboot"
	"openenterprise/meshota/receiver"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/wire"
)

// RebootCoordinating is the narrow view the Router needs of a reboot
// Coordination to decide whether an inbound ACK belongs to it instead of
// the Distributor.
type RebootCoordinating interface {
	Phase() reboot.Phase
	HandleAck(from transport.Addr, ack wire.Ack)
}

// Router holds references to the components it dispatches to. A node
// running as leaf populates Receiver; a node running as root populates
// Distributor. RebootCoord is populated on both roles (root drives it,
// leaves answer it).
type Router struct {
	IsRoot      bool
	Distributor *distributor.Session
	Receiver    *receiver.Receiver
	RebootCoord RebootCoordinating
	Log         *slog.Logger

	// OnReboot, on a leaf, completes the version-gate re-check and
	// rollback arming a CmdReboot frame triggers (per §4.5.2); it is
	// role-specific orchestration the router delegates rather than owns.
	OnReboot func(wire.Reboot) (wire.Ack, error)
}

// New constructs a Router. Pass nil for whichever component this node's
// role does not run.
func New(isRoot bool, dist *distributor.Session, recv *receiver.Receiver, rb RebootCoordinating, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{IsRoot: isRoot, Distributor: dist, Receiver: recv, RebootCoord: rb, Log: log}
}

// Dispatch routes one inbound frame, returning any reply payload the
// caller should send back to from (nil if no reply is warranted).
func (r *Router) Dispatch(ctx context.Context, from transport.Addr, frame []byte) ([]byte, error) {
	cmd, ok := wire.Peek(frame)
	if !ok {
		return nil, otaerr.New(otaerr.InvalidSize, "router.Dispatch", nil)
	}

	if r.IsRoot {
		return r.dispatchRoot(from, cmd, frame)
	}
	return r.dispatchLeaf(from, cmd, frame)
}

func (r *Router) dispatchRoot(from transport.Addr, cmd wire.Command, frame []byte) ([]byte, error) {
	switch cmd {
	case wire.CmdAck:
		ack, err := wire.DecodeAck(frame)
		if err != nil {
			return nil, otaerr.New(otaerr.InvalidSize, "router.dispatchRoot", err)
		}
		if r.RebootCoord != nil && r.RebootCoord.Phase() == reboot.Preparing {
			r.RebootCoord.HandleAck(from, ack)
			return nil, nil
		}
		if r.Distributor != nil {
			r.Distributor.HandleAck(from, ack)
		}
		return nil, nil
	case wire.CmdRequest, wire.CmdStatus:
		// Acknowledged at the upper layer that triggers download/distribute;
		// the router's job is only to avoid dropping these as invalid.
		return nil, nil
	default:
		r.Log.Warn("router:invalid-for-root", "cmd", cmd.String(), "from", from.String())
		return nil, nil
	}
}

func (r *Router) dispatchLeaf(from transport.Addr, cmd wire.Command, frame []byte) ([]byte, error) {
	switch cmd {
	case wire.CmdStart:
		start, err := wire.DecodeStart(frame)
		if err != nil {
			return nil, otaerr.New(otaerr.InvalidSize, "router.dispatchLeaf", err)
		}
		if r.Receiver == nil {
			return nil, otaerr.New(otaerr.InvalidState, "router.dispatchLeaf", nil)
		}
		if err := r.Receiver.HandleStart(start); err != nil {
			return nil, err
		}
		return nil, nil
	case wire.CmdBlock:
		blk, err := wire.DecodeBlock(frame)
		if err != nil {
			return wire.Ack{Status: wire.AckRejected}.Encode(), otaerr.New(otaerr.InvalidSize, "router.dispatchLeaf", err)
		}
		if r.Receiver == nil {
			return nil, otaerr.New(otaerr.InvalidState, "router.dispatchLeaf", nil)
		}
		ack := r.Receiver.HandleBlock(blk)
		return ack.Encode(), nil
	case wire.CmdPrepareReboot:
		if _, err := wire.DecodePrepareReboot(frame); err != nil {
			return nil, otaerr.New(otaerr.InvalidSize, "router.dispatchLeaf", err)
		}
		if r.Receiver == nil {
			return nil, otaerr.New(otaerr.InvalidState, "router.dispatchLeaf", nil)
		}
		ack := r.Receiver.HandlePrepareReboot()
		return ack.Encode(), nil
	case wire.CmdReboot:
		rb, err := wire.DecodeReboot(frame)
		if err != nil {
			return nil, otaerr.New(otaerr.InvalidSize, "router.dispatchLeaf", err)
		}
		if r.OnReboot == nil {
			return nil, otaerr.New(otaerr.InvalidState, "router.dispatchLeaf", nil)
		}
		ack, err := r.OnReboot(rb)
		return ack.Encode(), err
	default:
		r.Log.Warn("router:invalid-for-leaf", "cmd", cmd.String(), "from", from.String())
		return nil, nil
	}
}
