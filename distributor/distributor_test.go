package distributor

import (
	"context"
	"testing"
	"time"

	"openenterprise/meshota/bitmap"
	"openenterprise/meshota/partition/memfake"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/transport/meshtest"
	"openenterprise/meshota/wire"
)

func setup(t *testing.T, image []byte) (*Session, *meshtest.Fabric, *meshtest.Node, []*meshtest.Node, *memfake.Flash) {
	t.Helper()
	fab := meshtest.NewFabric()
	rootAddr := transport.Addr{0, 0, 0, 0, 0, 1}
	root := fab.NewNode(rootAddr, true)

	var leaves []*meshtest.Node
	var addrs []transport.Addr
	for i := 0; i < 2; i++ {
		addr := transport.Addr{0, 0, 0, 0, 0, byte(2 + i)}
		leaf := fab.NewNode(addr, false)
		leaf.SetParent(rootAddr)
		leaves = append(leaves, leaf)
		addrs = append(addrs, addr)
	}
	root.SetRoutingTable(addrs)

	flash := memfake.New("1.0.0")
	flash.SetStagedImage(flash.Next(), "1.1.0", image)

	sess := New(root, flash, nil)
	return sess, fab, root, leaves, flash
}

// autoAck drains BLOCK messages sent to a leaf and replies with ACKs,
// simulating a well-behaved receiver for Distributor-focused tests.
func autoAck(ctx context.Context, t *testing.T, leaf *meshtest.Node, root transport.Addr) {
	go func() {
		for {
			from, payload, err := leaf.Recv(ctx, 2*time.Second)
			if err != nil {
				return
			}
			cmd, ok := wire.Peek(payload)
			if !ok || cmd != wire.CmdBlock {
				continue
			}
			blk, err := wire.DecodeBlock(payload)
			if err != nil {
				continue
			}
			ack := wire.Ack{BlockNo: blk.BlockNo, Status: wire.AckAccepted}
			leaf.Send(ctx, from, ack.Encode(), transport.TOSP2P)
		}
	}()
}

func TestDistributeHappyPath(t *testing.T) {
	image := make([]byte, 2560)
	for i := range image {
		image[i] = byte(i)
	}
	sess, _, root, leaves, _ := setup(t, image)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, leaf := range leaves {
		autoAck(ctx, t, leaf, transport.Addr{0, 0, 0, 0, 0, 1})
	}

	// Forward leaf ACKs to the distributor session.
	go func() {
		for {
			from, payload, err := root.Recv(ctx, 3*time.Second)
			if err != nil {
				return
			}
			if cmd, ok := wire.Peek(payload); ok && cmd == wire.CmdAck {
				ack, err := wire.DecodeAck(payload)
				if err == nil {
					sess.HandleAck(from, ack)
				}
			}
		}
	}()

	if err := sess.Distribute(ctx, "1.0.0", nil); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	statuses := sess.NodeStatuses()
	for _, st := range statuses {
		if !st.Complete {
			t.Fatalf("node %v not complete: %+v", st.Addr, st)
		}
	}
}

func TestDistributeRejectsNonRoot(t *testing.T) {
	fab := meshtest.NewFabric()
	leaf := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 2}, false)
	flash := memfake.New("1.0.0")
	sess := New(leaf, flash, nil)
	err := sess.Distribute(context.Background(), "1.0.0", nil)
	if err == nil {
		t.Fatal("expected error for non-root mesh")
	}
}

func TestDistributeRejectsDowngrade(t *testing.T) {
	sess, _, _, _, flash := setup(t, make([]byte, 1024))
	flash.SetStagedImage(flash.Next(), "0.9.0", make([]byte, 1024))
	err := sess.Distribute(context.Background(), "1.0.0", nil)
	if err == nil {
		t.Fatal("expected downgrade rejection")
	}
}

func TestDistributeRejectsEmptyRoutingTable(t *testing.T) {
	fab := meshtest.NewFabric()
	root := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	flash := memfake.New("1.0.0")
	flash.SetStagedImage(flash.Next(), "1.1.0", make([]byte, 1024))
	sess := New(root, flash, nil)
	if err := sess.Distribute(context.Background(), "1.0.0", nil); err == nil {
		t.Fatal("expected NotFound for empty routing table")
	}
}

func TestHandleAckIgnoresUnknownSender(t *testing.T) {
	sess, _, _, _, _ := setup(t, make([]byte, 1024))
	sess.status = Running
	sess.nodes = []transport.Addr{{0, 0, 0, 0, 0, 2}}
	sess.totalBlocks = 1
	sess.received = bitmap.New(1, 1)
	sess.ackSignal = make(chan struct{}, 1)

	sess.HandleAck(transport.Addr{9, 9, 9, 9, 9, 9}, wire.Ack{BlockNo: 0, Status: wire.AckAccepted})
	if sess.received.Get(0, 0) {
		t.Fatal("unknown sender must not set bitmap bit")
	}
}
