package meshtest

import (
	"context"
	"testing"
	"time"

	"openenterprise/meshota/transport"
)

func TestSendRecvRoundTrip(t *testing.T) {
	fab := NewFabric()
	root := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	leaf := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 2}, false)
	leaf.SetParent(transport.Addr{0, 0, 0, 0, 0, 1})
	root.SetRoutingTable([]transport.Addr{leaf.self})

	ctx := context.Background()
	if err := root.Send(ctx, leaf.self, []byte("hello"), transport.TOSP2P); err != nil {
		t.Fatalf("send: %v", err)
	}
	from, payload, err := leaf.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if from != root.self || string(payload) != "hello" {
		t.Fatalf("got from=%v payload=%q", from, payload)
	}
}

func TestRecvTimesOut(t *testing.T) {
	fab := NewFabric()
	leaf := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 9}, false)
	_, _, err := leaf.Recv(context.Background(), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDropNextDiscardsSend(t *testing.T) {
	fab := NewFabric()
	a := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 1}, true)
	b := fab.NewNode(transport.Addr{0, 0, 0, 0, 0, 2}, false)
	fab.DropNext(b.self, 1)

	ctx := context.Background()
	if err := a.Send(ctx, b.self, []byte("dropped"), transport.TOSP2P); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(ctx, b.self, []byte("kept"), transport.TOSP2P); err != nil {
		t.Fatalf("send: %v", err)
	}
	_, payload, err := b.Recv(ctx, time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(payload) != "kept" {
		t.Fatalf("expected first send dropped, got %q", payload)
	}
}
