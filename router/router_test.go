package router

import (
	"context"
	"testing"

	"openenterprise/meshota/partition/memfake"
	"openenterprise/meshota/receiver"
	"openenterprise/meshota/transport"
	"openenterprise/meshota/wire"
)

func TestDispatchLeafUndersizedFrameReturnsInvalidSize(t *testing.T) {
	recv := receiver.New(memfake.New("1.0.0"), nil)
	r := New(false, nil, recv, nil, nil)
	_, err := r.Dispatch(context.Background(), transport.Addr{}, []byte{byte(wire.CmdBlock), 0, 0})
	if err == nil {
		t.Fatal("expected InvalidSize error for undersized frame")
	}
}

func TestDispatchLeafStartThenBlock(t *testing.T) {
	recv := receiver.New(memfake.New("1.0.0"), nil)
	r := New(false, nil, recv, nil, nil)

	start := wire.Start{TotalBlocks: 1, FirmwareSize: 4, Version: wire.EncodeVersion("1.1.0")}
	if _, err := r.Dispatch(context.Background(), transport.Addr{}, start.Encode()); err != nil {
		t.Fatalf("start: %v", err)
	}

	payload := []byte{1, 2, 3, 4}
	blk := wire.Block{BlockNo: 0, TotalBlocks: 1, BlockSize: 4, CRC32: wire.CRC32(payload), Payload: payload}
	reply, err := r.Dispatch(context.Background(), transport.Addr{}, blk.Encode())
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	ack, err := wire.DecodeAck(reply)
	if err != nil || ack.Status != wire.AckAccepted {
		t.Fatalf("got %+v %v", ack, err)
	}
}

func TestDispatchLeafDropsRootOnlyCommand(t *testing.T) {
	recv := receiver.New(memfake.New("1.0.0"), nil)
	r := New(false, nil, recv, nil, nil)
	reply, err := r.Dispatch(context.Background(), transport.Addr{}, wire.Ack{}.Encode())
	if err != nil {
		t.Fatalf("expected drop not error, got %v", err)
	}
	if reply != nil {
		t.Fatal("expected no reply for dropped frame")
	}
}
