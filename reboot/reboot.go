// Package reboot implements the Reboot Coordinator (per §4.6,
// component E): a two-phase PREPARE/COMMIT handshake across root and
// leaves, with bitmap-based ACK deduplication. Follows the same
// watchdog-feeding/pause-resume sequencing discipline a single-device
// reboot handshake would use, generalized to a fleet-wide one.
package reboot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openenterprise/meshota/bitmap"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/wire"
)

// Phase is the coordinator's lifecycle state.
type Phase int

const (
	Idle Phase = iota
	Preparing
	Committing
)

func (p Phase) String() string {
	switch p {
	case Preparing:
		return "preparing"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// DistributionStatus lets the Coordinator confirm no distribution is
// concurrently running without importing the distributor package
// directly (per §4.6: "distribution must not run concurrently with
// reboot coordination").
type DistributionStatus interface {
	// Running reports whether a distribution session is currently active.
	Running() bool
}

// RollbackArmer is the subset of the Rollback Engine the Coordinator needs
// to arm rollback on the root itself before committing (per §4.6.1).
type RollbackArmer interface {
	Arm() error
}

// Coordination is the root-side reboot handshake state, owned exclusively
// by the Coordinator for the lifetime of one Initiate call.
type Coordination struct {
	mu sync.Mutex

	mesh      transport.Mesh
	partition partition.Partition
	rollback  RollbackArmer
	dist      DistributionStatus
	log       *slog.Logger

	phase       Phase
	nodes       []transport.Addr
	readyBitmap *bitmap.Reception
	nodesReady  int
	readySignal chan struct{}
}

// New constructs a Reboot Coordinator bound to its collaborators.
func New(mesh transport.Mesh, part partition.Partition, rb RollbackArmer, dist DistributionStatus, log *slog.Logger) *Coordination {
	if log == nil {
		log = slog.Default()
	}
	return &Coordination{mesh: mesh, partition: part, rollback: rb, dist: dist, log: log, phase: Idle}
}

// Phase reports the current lifecycle phase.
func (c *Coordination) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Initiate runs the full two-phase handshake: broadcast PREPARE_REBOOT,
// wait for every node to confirm readiness (or time out), then commit by
// arming rollback, pre-flight checking the boot partition, and broadcasting
// REBOOT. completeNodes reports which mesh addresses have a fully received
// image, per the Distributor's reception bitmap (per §4.6 precondition:
// "every row of the reception bitmap fully set").
func (c *Coordination) Initiate(ctx context.Context, timeoutSeconds int, rebootDelayMs uint16, version string, completeNodes func(transport.Addr) bool) error {
	if !c.mesh.IsRoot() {
		return otaerr.New(otaerr.InvalidState, "reboot.Initiate", nil)
	}
	if c.dist != nil && c.dist.Running() {
		return otaerr.New(otaerr.InvalidState, "reboot.Initiate", nil)
	}

	c.mu.Lock()
	if c.phase != Idle {
		c.mu.Unlock()
		return otaerr.New(otaerr.InvalidState, "reboot.Initiate", nil)
	}
	c.mu.Unlock()

	nodes, err := c.mesh.RoutingTable()
	if err != nil {
		return otaerr.New(otaerr.Fatal, "reboot.Initiate", err)
	}
	if len(nodes) == 0 {
		return otaerr.New(otaerr.NotFound, "reboot.Initiate", nil)
	}
	for _, n := range nodes {
		if !completeNodes(n) {
			return otaerr.New(otaerr.InvalidState, "reboot.Initiate", nil)
		}
	}

	if err := c.prepare(ctx, nodes, timeoutSeconds, version); err != nil {
		return err
	}
	return c.commit(ctx, rebootDelayMs)
}

func (c *Coordination) prepare(ctx context.Context, nodes []transport.Addr, timeoutSeconds int, version string) error {
	// Allocate ready_bitmap *before* setting the coordinating flag, so a
	// fast leaf's ACK always finds valid state (per §5).
	ready := bitmap.New(len(nodes), 1)
	signal := make(chan struct{}, 1)

	c.mu.Lock()
	c.nodes = nodes
	c.readyBitmap = ready
	c.nodesReady = 0
	c.readySignal = signal
	c.phase = Preparing
	c.mu.Unlock()

	msg := wire.PrepareReboot{TimeoutSeconds: uint16(timeoutSeconds), Version: wire.EncodeVersion(version)}
	encoded := msg.Encode()
	for _, addr := range nodes {
		if err := c.mesh.Send(ctx, addr, encoded, transport.TOSP2P); err != nil {
			c.log.Warn("reboot:prepare-send-failed", "node", addr.String(), "err", err)
		}
	}

	deadline := time.After(time.Duration(timeoutSeconds) * time.Second)
	for {
		c.mu.Lock()
		done := c.nodesReady == len(c.nodes)
		c.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-signal:
			continue
		case <-deadline:
			c.teardown()
			return otaerr.New(otaerr.Timeout, "reboot.prepare", nil)
		case <-ctx.Done():
			c.teardown()
			return otaerr.New(otaerr.Timeout, "reboot.prepare", ctx.Err())
		}
	}
}

// HandleAck processes an inbound OTA_ACK while coordinating
// (per §4.6.4): duplicate ACKs are silently ignored; a nonzero status
// marks the node not-ready without advancing the counter.
func (c *Coordination) HandleAck(from transport.Addr, ack wire.Ack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Preparing {
		return
	}
	idx := -1
	for i, n := range c.nodes {
		if n == from {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	if ack.Status != wire.AckAccepted {
		c.log.Warn("reboot:node-not-ready", "node", from.String())
		return
	}
	if c.readyBitmap.Get(idx, 0) {
		return
	}
	c.readyBitmap.Set(idx, 0)
	c.nodesReady++
	select {
	case c.readySignal <- struct{}{}:
	default:
	}
}

func (c *Coordination) commit(ctx context.Context, rebootDelayMs uint16) error {
	c.mu.Lock()
	c.phase = Committing
	nodes := append([]transport.Addr(nil), c.nodes...)
	c.mu.Unlock()

	if c.rollback != nil {
		if err := c.rollback.Arm(); err != nil {
			c.teardown()
			return otaerr.New(otaerr.Fatal, "reboot.commit", err)
		}
	}

	boot, err := c.partition.GetBoot()
	if err != nil {
		c.teardown()
		return otaerr.New(otaerr.InvalidState, "reboot.commit", err)
	}
	next := c.partition.Next()
	if boot == next {
		c.teardown()
		return otaerr.New(otaerr.InvalidState, "reboot.commit", nil)
	}

	msg := wire.Reboot{DelayMs: rebootDelayMs}
	encoded := msg.Encode()
	for _, addr := range nodes {
		if err := c.mesh.Send(ctx, addr, encoded, transport.TOSP2P); err != nil {
			c.log.Warn("reboot:commit-send-failed", "node", addr.String(), "err", err)
		}
	}

	c.teardown()

	if err := c.partition.SetBoot(next); err != nil {
		return otaerr.New(otaerr.Fatal, "reboot.commit", err)
	}
	got, err := c.partition.GetBoot()
	if err != nil || got != next {
		return otaerr.New(otaerr.Fatal, "reboot.commit", err)
	}
	if rebootDelayMs > 0 {
		time.Sleep(time.Duration(rebootDelayMs) * time.Millisecond)
	}
	return c.partition.Reboot()
}

func (c *Coordination) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = Idle
	c.nodes = nil
	c.readyBitmap = nil
	c.nodesReady = 0
	c.readySignal = nil
}
