package reboot

import (
	"context"
	"testing"
	"time"

	"openenterprise/meshota/bitmap"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/partition/memfake"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/transport/meshtest"
	"openenterprise/meshota/wire"
)

type fakeDist struct{ running bool }

func (f *fakeDist) Running() bool { return f.running }

type fakeArmer struct {
	armed bool
	err   error
}

func (f *fakeArmer) Arm() error {
	f.armed = true
	return f.err
}

func allComplete(transport.Addr) bool { return true }

func TestInitiateHappyPath(t *testing.T) {
	fab := meshtest.NewFabric()
	rootAddr := transport.Addr{0, 0, 0, 0, 0, 1}
	root := fab.NewNode(rootAddr, true)
	leafAddr := transport.Addr{0, 0, 0, 0, 0, 2}
	leaf := fab.NewNode(leafAddr, false)
	leaf.SetParent(rootAddr)
	root.SetRoutingTable([]transport.Addr{leafAddr})

	flash := memfake.New("1.0.0")
	flash.SetStagedImage(flash.Next(), "1.1.0", []byte{1, 2, 3, 4})

	armer := &fakeArmer{}
	coord := New(root, flash, armer, &fakeDist{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		from, payload, err := leaf.Recv(ctx, 2*time.Second)
		if err != nil {
			return
		}
		if cmd, ok := wire.Peek(payload); ok && cmd == wire.CmdPrepareReboot {
			leaf.Send(ctx, from, wire.Ack{Status: wire.AckAccepted}.Encode(), transport.TOSP2P)
		}
	}()

	// Stand in for the router: deliver the leaf's ACK to the coordinator.
	go func() {
		from, payload, err := root.Recv(ctx, 2*time.Second)
		if err != nil {
			return
		}
		if ack, err := wire.DecodeAck(payload); err == nil {
			coord.HandleAck(from, ack)
		}
	}()

	err := coord.Initiate(ctx, 2, 100, "1.1.0", allComplete)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !armer.armed {
		t.Fatal("expected rollback armed on root")
	}
	boot, _ := flash.GetBoot()
	if boot != partition.BankB {
		t.Fatalf("expected boot target bank B, got %v", boot)
	}
}

// HandleAck is fed manually in this test to isolate Phase-1 bookkeeping
// from the mesh round trip.
func TestHandleAckDedupes(t *testing.T) {
	fab := meshtest.NewFabric()
	root := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	coord := New(root, memfake.New("1.0.0"), &fakeArmer{}, &fakeDist{}, nil)

	addr := transport.Addr{0, 0, 0, 0, 0, 2}
	coord.phase = Preparing
	coord.nodes = []transport.Addr{addr}
	coord.readyBitmap = bitmap.New(1, 1)
	coord.readySignal = make(chan struct{}, 1)

	coord.HandleAck(addr, wire.Ack{Status: wire.AckAccepted})
	coord.HandleAck(addr, wire.Ack{Status: wire.AckAccepted})
	if coord.nodesReady != 1 {
		t.Fatalf("expected dedup to keep nodesReady at 1, got %d", coord.nodesReady)
	}
}

func TestInitiateRejectsWhenDistributionRunning(t *testing.T) {
	fab := meshtest.NewFabric()
	root := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	coord := New(root, memfake.New("1.0.0"), &fakeArmer{}, &fakeDist{running: true}, nil)
	if err := coord.Initiate(context.Background(), 1, 0, "1.0.0", allComplete); err == nil {
		t.Fatal("expected InvalidState while distribution running")
	}
}

func TestInitiateTimesOutWithoutBroadcastingReboot(t *testing.T) {
	fab := meshtest.NewFabric()
	root := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	leaf := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 2}, false)
	root.SetRoutingTable([]transport.Addr{{0, 0, 0, 0, 0, 2}})

	coord := New(root, memfake.New("1.0.0"), &fakeArmer{}, &fakeDist{}, nil)
	err := coord.Initiate(context.Background(), 1, 0, "1.0.0", allComplete)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if coord.Phase() != Idle {
		t.Fatalf("expected teardown to Idle, got %v", coord.Phase())
	}
	// The leaf does receive the PREPARE_REBOOT; no frame after it may be a
	// REBOOT.
	for {
		_, payload, recvErr := leaf.Recv(context.Background(), 50*time.Millisecond)
		if recvErr != nil {
			break
		}
		if cmd, ok := wire.Peek(payload); ok && cmd == wire.CmdReboot {
			t.Fatal("leaf must not receive REBOOT after a prepare timeout")
		}
	}
}
