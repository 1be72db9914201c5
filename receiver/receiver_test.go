package receiver

import (
	"bytes"
	"testing"
	"time"

	"openenterprise/meshota/config"
	"openenterprise/meshota/partition"
	"openenterprise/meshota/partition/memfake"
	"openenterprise/meshota/wire"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func startSession(t *testing.T, flash *memfake.Flash, totalBlocks int, size uint32) *Receiver {
	t.Helper()
	r := New(flash, nil)
	start := wire.Start{TotalBlocks: uint16(totalBlocks), FirmwareSize: size, Version: wire.EncodeVersion("1.1.0")}
	if err := r.HandleStart(start); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	return r
}

func block(no, total uint16, payload []byte) wire.Block {
	return wire.Block{BlockNo: no, TotalBlocks: total, BlockSize: uint16(len(payload)), CRC32: wire.CRC32(payload), Payload: payload}
}

// twoBlockSize is the firmware size of a two-block session: one full
// configured block followed by a 4-byte final block.
func twoBlockSize() uint32 { return uint32(config.BlockSize()) + 4 }

func TestHandleBlockHappyPathCompletes(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 2, twoBlockSize())
	first := bytes.Repeat([]byte{1}, config.BlockSize())

	a1 := r.HandleBlock(block(0, 2, first))
	if a1.Status != wire.AckAccepted {
		t.Fatalf("block 0 rejected: %+v", a1)
	}
	if r.State() != Receiving {
		t.Fatalf("expected still receiving, got %v", r.State())
	}

	a2 := r.HandleBlock(block(1, 2, []byte{5, 6, 7, 8}))
	if a2.Status != wire.AckAccepted {
		t.Fatalf("block 1 rejected: %+v", a2)
	}
	if r.State() != Complete {
		t.Fatalf("expected Complete, got %v", r.State())
	}
	want := append(append([]byte(nil), first...), 5, 6, 7, 8)
	if got := flash.Image(flash.Next()); string(got) != string(want) {
		t.Fatalf("got %v", got)
	}
}

func TestHandleBlockDuplicateIsIdempotent(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 2, twoBlockSize())
	b0 := block(0, 2, []byte{1, 2, 3, 4})

	r.HandleBlock(b0)
	before := r.bytesWritten
	ack := r.HandleBlock(b0)
	if ack.Status != wire.AckAccepted {
		t.Fatalf("expected replay to succeed, got %+v", ack)
	}
	if r.bytesWritten != before {
		t.Fatalf("bytes_written must not advance on replay: before=%d after=%d", before, r.bytesWritten)
	}
}

func TestHandleBlockCRCMismatchRejectsWithoutWrite(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 1, 4)
	b := block(0, 1, []byte{1, 2, 3, 4})
	b.CRC32 ^= 0xFFFFFFFF

	ack := r.HandleBlock(b)
	if ack.Status != wire.AckRejected {
		t.Fatal("expected rejection on CRC mismatch")
	}
	if r.bytesWritten != 0 {
		t.Fatal("CRC mismatch must not write")
	}
}

func TestHandleBlockTotalBlocksMismatchRejected(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 2, twoBlockSize())
	ack := r.HandleBlock(block(0, 3, []byte{1, 2, 3, 4}))
	if ack.Status != wire.AckRejected {
		t.Fatal("expected rejection on total_blocks mismatch")
	}
}

func TestHandleBlockOutOfRangeRejected(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 2, twoBlockSize())
	ack := r.HandleBlock(block(5, 2, []byte{1, 2, 3, 4}))
	if ack.Status != wire.AckRejected {
		t.Fatal("expected rejection for out-of-range block_no")
	}
}

func TestCheckInactivityAbortsAfterTimeout(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 2, twoBlockSize())
	clk := &fakeClock{t: time.Now()}
	r.SetClock(clk)
	r.lastBlockAt = clk.t

	clk.t = clk.t.Add(31 * time.Second)
	r.CheckInactivity()
	if r.State() != Idle {
		t.Fatalf("expected Idle after inactivity timeout, got %v", r.State())
	}
}

func TestHandlePrepareRebootReportsReadiness(t *testing.T) {
	flash := memfake.New("1.0.0")
	r := startSession(t, flash, 1, 4)
	r.HandleBlock(block(0, 1, []byte{1, 2, 3, 4}))
	ack := r.HandlePrepareReboot()
	if ack.Status != wire.AckAccepted {
		t.Fatalf("expected ready ack, got %+v", ack)
	}
}

func TestHandleRebootRejectsDowngrade(t *testing.T) {
	flash := memfake.New("2.0.0")
	r := New(flash, nil)
	// Declare an older version in OTA_START itself, so the rejection is
	// exercised against the descriptor HandleReboot actually re-reads.
	start := wire.Start{TotalBlocks: 1, FirmwareSize: 4, Version: wire.EncodeVersion("1.0.0")}
	if err := r.HandleStart(start); err != nil {
		t.Fatalf("HandleStart: %v", err)
	}
	r.HandleBlock(block(0, 1, []byte{1, 2, 3, 4}))

	_, err := r.HandleReboot(wire.Reboot{}, "2.0.0", func() error { return nil })
	if err == nil {
		t.Fatal("expected downgrade rejection")
	}
	boot, _ := flash.GetBoot()
	if boot != partition.BankA {
		t.Fatalf("boot target must not change on rejected reboot, got %v", boot)
	}
}
