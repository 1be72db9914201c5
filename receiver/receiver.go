// Package receiver implements the Receiver (per §4.5, component D):
// the leaf-side state machine that accepts a START, validates and writes
// BLOCK frames, and finalises the partition. Follows the same chunked-
// receive loop discipline as a blocking single-stream OTA receiver,
// generalized to the wire package's binary framing and CRC32 per block.
package receiver

import (
	"log/slog"
	"sync"
	"time"

	"openenterprise/meshota/bitmap"
	"openenterprise/meshota/config"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/versiongate"
	"openenterprise/meshota/wire"
)

// State is the leaf reception lifecycle.
type State int

const (
	Idle State = iota
	Receiving
	Complete
	Aborted
)

// Clock abstracts "now", letting tests control inactivity-timeout checks
// deterministically without sleeping.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Receiver owns one leaf's in-progress reception. Its handlers serialise
// on an internal mutex; per §5, block processing runs inline on the mesh
// receive loop.
type Receiver struct {
	mu sync.Mutex

	partition partition.Partition
	log       *slog.Logger
	clock     Clock

	state          State
	writeHandle    partition.WriteHandle
	totalBlocks    int
	firmwareSize   uint32
	receivedBitmap *bitmap.Reception
	bytesWritten   uint32
	lastBlockAt    time.Time
}

// New constructs a Receiver bound to the leaf's partition collaborator.
func New(part partition.Partition, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{partition: part, log: log, clock: realClock{}, state: Idle}
}

// SetClock overrides the Receiver's notion of "now", for deterministic
// inactivity-timeout tests.
func (r *Receiver) SetClock(c Clock) { r.clock = c }

// State reports the current lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HandleStart processes an inbound OTA_START. If a previous session is
// Receiving, it is aborted first — the later START wins (per §4.5).
func (r *Receiver) HandleStart(start wire.Start) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == Receiving {
		r.abortLocked()
	}

	blockSize := config.BlockSize()
	totalBlocks := int(start.TotalBlocks)
	if totalBlocks <= 0 || totalBlocks > 65536 {
		return otaerr.New(otaerr.InvalidSize, "receiver.HandleStart", nil)
	}
	if uint32(totalBlocks-1)*uint32(blockSize) > start.FirmwareSize {
		// A declared block count wildly inconsistent with the firmware size
		// and configured block size is rejected up front.
		return otaerr.New(otaerr.InvalidSize, "receiver.HandleStart", nil)
	}

	handle, err := r.partition.OpenWrite(start.FirmwareSize)
	if err != nil {
		return otaerr.New(otaerr.Fatal, "receiver.HandleStart", err)
	}

	declaredVersion := wire.DecodeVersion(start.Version)
	if err := r.partition.SetPendingVersion(handle, declaredVersion); err != nil {
		_ = r.partition.Abort(handle)
		return otaerr.New(otaerr.Fatal, "receiver.HandleStart", err)
	}

	r.writeHandle = handle
	r.totalBlocks = totalBlocks
	r.firmwareSize = start.FirmwareSize
	r.receivedBitmap = bitmap.New(1, totalBlocks)
	r.bytesWritten = 0
	r.lastBlockAt = r.clock.Now()
	r.state = Receiving
	return nil
}

// HandleBlock validates and writes one BLOCK frame per the eight-step
// sequence in §4.5, returning the ACK to send back (even on
// rejection — the caller is responsible for transmitting it).
func (r *Receiver) HandleBlock(blk wire.Block) wire.Ack {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Receiving {
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}
	if int(blk.TotalBlocks) != r.totalBlocks {
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}
	if int(blk.BlockNo) >= r.totalBlocks {
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}
	if r.receivedBitmap.Get(0, int(blk.BlockNo)) {
		// Idempotence: replaying an already-acked block is a no-op success.
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckAccepted}
	}
	if int(blk.BlockSize) != len(blk.Payload) {
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}
	if wire.CRC32(blk.Payload) != blk.CRC32 {
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}

	offset := int(blk.BlockNo) * config.BlockSize()
	if err := r.partition.Write(r.writeHandle, blk.Payload); err != nil {
		r.log.Warn("receiver:write-failed", "block", blk.BlockNo, "offset", offset, "err", err)
		r.abortLocked()
		return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
	}

	r.receivedBitmap.Set(0, int(blk.BlockNo))
	r.bytesWritten += uint32(len(blk.Payload))
	r.lastBlockAt = r.clock.Now()

	if r.receivedBitmap.RowFull(0, r.totalBlocks) {
		if err := r.partition.Finish(r.writeHandle); err != nil {
			r.abortLocked()
			return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
		}
		if err := r.partition.ValidateState(r.partition.Next()); err != nil {
			r.abortLocked()
			return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckRejected}
		}
		r.state = Complete
	}

	return wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckAccepted}
}

// CheckInactivity aborts a stalled Receiving session if more than
// config.LeafBlockTimeout has elapsed since the last accepted block
// (per §4.5, §9 — polled, not a dedicated timer).
func (r *Receiver) CheckInactivity() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Receiving {
		return
	}
	if r.clock.Now().Sub(r.lastBlockAt) > config.LeafBlockTimeout() {
		r.abortLocked()
	}
}

// HandlePrepareReboot reports current readiness without committing
// anything (per §4.5: "not the commit").
func (r *Receiver) HandlePrepareReboot() wire.Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Complete {
		return wire.Ack{Status: wire.AckRejected}
	}
	if err := r.partition.ValidateState(r.partition.Next()); err != nil {
		return wire.Ack{Status: wire.AckRejected}
	}
	return wire.Ack{Status: wire.AckAccepted}
}

// HandleReboot re-checks the version gate, arms rollback, sets the boot
// target and restarts (per §4.5). arm is called to arm rollback (main
// passes the Rollback Engine's Arm) before the boot target changes.
func (r *Receiver) HandleReboot(reboot wire.Reboot, runningVersion string, arm func() error) (wire.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != Complete {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.InvalidState, "receiver.HandleReboot", nil)
	}

	desc, err := r.partition.ReadDescriptor(r.partition.Next())
	if err != nil {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.Fatal, "receiver.HandleReboot", err)
	}
	allow, err := versiongate.Allow(runningVersion, desc.Version)
	if err != nil || !allow {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.InvalidVersion, "receiver.HandleReboot", err)
	}

	if err := arm(); err != nil {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.Fatal, "receiver.HandleReboot", err)
	}

	next := r.partition.Next()
	if err := r.partition.SetBoot(next); err != nil {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.Fatal, "receiver.HandleReboot", err)
	}
	got, err := r.partition.GetBoot()
	if err != nil || got != next {
		return wire.Ack{Status: wire.AckRejected}, otaerr.New(otaerr.Fatal, "receiver.HandleReboot", err)
	}

	if reboot.DelayMs > 0 {
		time.Sleep(time.Duration(reboot.DelayMs) * time.Millisecond)
	}
	return wire.Ack{Status: wire.AckAccepted}, r.partition.Reboot()
}

// HandleDisconnect discards a partial image on mesh disconnection
// (per §4.5).
func (r *Receiver) HandleDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Receiving {
		r.abortLocked()
	}
}

func (r *Receiver) abortLocked() {
	if r.writeHandle != 0 || r.state == Receiving {
		_ = r.partition.Abort(r.writeHandle)
	}
	r.state = Idle
	r.receivedBitmap = nil
}
