// Package distributor implements the Distributor (per §4.4, component
// C): the root-side worker that chunks the inactive partition and pushes
// blocks across the mesh to every leaf, tracking per-node per-block
// acknowledgement in a packed bitmap. Grounded on agsys-control's
// Manager/DeviceUpdate bookkeeping, generalized from per-device polling to
// mesh broadcast-and-ack.
package distributor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"openenterprise/meshota/bitmap"
	"openenterprise/meshota/config"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/versiongate"
	"openenterprise/meshota/wire"
)

// Status is the distribution session's lifecycle state.
type Status int

const (
	Idle Status = iota
	Running
	Cancelling
	Complete
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NodeStatus reports one target node's per-session progress, a
// supplemental read-only view grounded on agsys-control's per-device
// DeviceUpdate bookkeeping.
type NodeStatus struct {
	Addr        transport.Addr
	BlocksAcked int
	Complete    bool
}

// ProgressFunc is notified after each block's retry loop settles
// (per §9).
type ProgressFunc func(blockNum, totalBlocks, nodesComplete int)

// Session is the root-side distribution state, owned exclusively by the
// Distributor for the lifetime of one Distribute call.
type Session struct {
	mu sync.Mutex

	mesh      transport.Mesh
	partition partition.Partition
	log       *slog.Logger

	status       Status
	nodes        []transport.Addr
	totalBlocks  int
	firmwareSize uint32
	received     *bitmap.Reception

	ackSignal chan struct{}
	cancel    context.CancelFunc
}

// New constructs a Distributor session bound to mesh and partition
// collaborators.
func New(mesh transport.Mesh, part partition.Partition, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{mesh: mesh, partition: part, log: log, status: Idle}
}

// Status reports the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Running reports whether a distribution session is currently active,
// satisfying reboot.DistributionStatus.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Running
}

// NodeStatuses returns a snapshot of every target node's progress.
func (s *Session) NodeStatuses() []NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeStatus, len(s.nodes))
	for i, addr := range s.nodes {
		acked := 0
		for b := 0; b < s.totalBlocks; b++ {
			if s.received.Get(i, b) {
				acked++
			}
		}
		out[i] = NodeStatus{Addr: addr, BlocksAcked: acked, Complete: acked == s.totalBlocks}
	}
	return out
}

// Distribute chunks the inactive partition and pushes it to every mesh
// node, retrying unacknowledged blocks up to config.MaxRetriesPerBlock
// times each. It blocks until every block has been attempted against
// every node, cancelled, or a fatal error occurs. onProgress may be nil.
func (s *Session) Distribute(ctx context.Context, runningVersion string, onProgress ProgressFunc) error {
	if !s.mesh.IsRoot() {
		return otaerr.New(otaerr.InvalidState, "distributor.Distribute", nil)
	}

	s.mu.Lock()
	if s.status == Running {
		s.mu.Unlock()
		return otaerr.New(otaerr.InvalidState, "distributor.Distribute", nil)
	}
	s.mu.Unlock()

	desc, err := s.partition.ReadDescriptor(s.partition.Next())
	if err != nil || !desc.Valid {
		return otaerr.New(otaerr.InvalidState, "distributor.Distribute", err)
	}
	allow, err := versiongate.Allow(runningVersion, desc.Version)
	if err != nil {
		return otaerr.New(otaerr.InvalidArg, "distributor.Distribute", err)
	}
	if !allow {
		return otaerr.New(otaerr.InvalidVersion, "distributor.Distribute", nil)
	}

	nodes, err := s.mesh.RoutingTable()
	if err != nil {
		return otaerr.New(otaerr.Fatal, "distributor.Distribute", err)
	}
	if len(nodes) == 0 {
		return otaerr.New(otaerr.NotFound, "distributor.Distribute", nil)
	}

	blockSize := config.BlockSize()
	firmwareSize, totalBlocks := firmwareLayout(desc, blockSize)
	const maxBlocks = 65536
	if totalBlocks > maxBlocks {
		return otaerr.New(otaerr.InvalidSize, "distributor.Distribute", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.status = Running
	s.nodes = nodes
	s.totalBlocks = totalBlocks
	s.firmwareSize = firmwareSize
	s.received = bitmap.New(len(nodes), totalBlocks)
	s.ackSignal = make(chan struct{}, 1)
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("distributor:started", "nodes", len(nodes), "total_blocks", totalBlocks)

	runErr := s.runLoop(ctx, blockSize, onProgress)

	s.mu.Lock()
	final := Complete
	cancelled := s.status == Cancelling
	if runErr != nil {
		final = Failed
	} else if cancelled {
		final = Idle
	}
	complete, failed := s.tallyLocked()
	s.status = final
	s.mu.Unlock()

	s.log.Info("distributor:finished", "nodes_complete", complete, "nodes_failed", failed, "err", runErr)
	return runErr
}

func firmwareLayout(desc partition.Descriptor, blockSize int) (uint32, int) {
	// The descriptor's reported length is authoritative (per §9 design
	// note): total_blocks is never derived from raw partition capacity.
	size := desc.ImageSize()
	total := int(size) / blockSize
	if int(size)%blockSize != 0 {
		total++
	}
	if total == 0 {
		total = 1
	}
	return size, total
}

func (s *Session) tallyLocked() (complete, failed int) {
	for i := range s.nodes {
		if s.received.RowFull(i, s.totalBlocks) {
			complete++
		} else {
			failed++
		}
	}
	return
}

func (s *Session) runLoop(ctx context.Context, blockSize int, onProgress ProgressFunc) error {
	maxAttempts := config.MaxRetriesPerBlock() + 1
	ackTimeout := config.AckTimeout()

	for block := 0; block < s.totalBlocks; block++ {
		if s.Status() == Cancelling {
			return nil
		}

		payload, err := s.readBlock(block, blockSize)
		if err != nil {
			s.mu.Lock()
			s.status = Failed
			s.mu.Unlock()
			return otaerr.New(otaerr.Fatal, "distributor.runLoop", err)
		}
		crc := wire.CRC32(payload)

		for attempt := 0; attempt < maxAttempts; attempt++ {
			drainSignal(s.ackSignal)

			sent := s.sendRound(ctx, block, payload, crc)
			if sent == 0 {
				break
			}
			s.waitAckOrTimeout(ctx, ackTimeout)
			if s.columnComplete(block) {
				break
			}
			if attempt < maxAttempts-1 {
				time.Sleep(100 * time.Millisecond)
			}
		}

		s.mu.Lock()
		cancelling := s.status == Cancelling
		complete := 0
		for i := range s.nodes {
			if s.received.RowFull(i, block+1) {
				complete++
			}
		}
		s.mu.Unlock()
		if onProgress != nil {
			onProgress(block, s.totalBlocks, complete)
		}
		if cancelling {
			return nil
		}
	}
	return nil
}

func (s *Session) readBlock(block, blockSize int) ([]byte, error) {
	offset := block * blockSize
	end := offset + blockSize
	if end > int(s.firmwareSize) {
		end = int(s.firmwareSize)
	}
	buf := make([]byte, end-offset)
	if err := s.partition.Read(s.partition.Next(), offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) sendRound(ctx context.Context, block int, payload []byte, crc uint32) int {
	s.mu.Lock()
	nodes := append([]transport.Addr(nil), s.nodes...)
	total := s.totalBlocks
	s.mu.Unlock()

	msg := wire.Block{
		BlockNo:     uint16(block),
		TotalBlocks: uint16(total),
		BlockSize:   uint16(len(payload)),
		CRC32:       crc,
		Payload:     payload,
	}
	encoded := msg.Encode()

	var sent int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.MaxFanout())
	for i, addr := range nodes {
		if s.received.Get(i, block) {
			continue
		}
		addr := addr
		g.Go(func() error {
			if err := s.mesh.Send(gctx, addr, encoded, transport.TOSP2P); err != nil {
				s.log.Warn("distributor:send-failed", "node", addr.String(), "block", block, "err", err)
				return nil
			}
			atomic.AddInt32(&sent, 1)
			return nil
		})
	}
	g.Wait()
	return int(sent)
}

func (s *Session) waitAckOrTimeout(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s.ackSignal:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) columnComplete(block int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.ColumnFull(block)
}

func drainSignal(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func raiseSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// HandleAck processes an inbound OTA_ACK while a session is Running, per
// per §4.4. Unknown senders and out-of-range block numbers are
// dropped; a rejected status does not set the bit.
func (s *Session) HandleAck(from transport.Addr, ack wire.Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Running {
		return
	}
	if ack.Status != wire.AckAccepted || int(ack.BlockNo) >= s.totalBlocks {
		return
	}
	idx := s.indexOfLocked(from)
	if idx < 0 {
		return
	}
	s.received.Set(idx, int(ack.BlockNo))
	raiseSignal(s.ackSignal)
}

func (s *Session) indexOfLocked(addr transport.Addr) int {
	for i, n := range s.nodes {
		if n == addr {
			return i
		}
	}
	return -1
}

// Cancel requests cooperative teardown; the in-flight round finishes its
// current iteration and the session transitions to Idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Running {
		return
	}
	s.status = Cancelling
	if s.cancel != nil {
		s.cancel()
	}
}
