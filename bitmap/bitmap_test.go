package bitmap

import "testing"

func TestSetGet(t *testing.T) {
	b := New(2, 3)
	if b.Get(0, 0) {
		t.Fatal("expected zeroed bitmap")
	}
	b.Set(0, 1)
	if !b.Get(0, 1) {
		t.Fatal("expected bit set")
	}
	if b.Get(1, 1) {
		t.Fatal("other row must not be affected")
	}
	// Idempotent.
	b.Set(0, 1)
	if !b.Get(0, 1) {
		t.Fatal("expected bit still set")
	}
}

func TestRowFull(t *testing.T) {
	b := New(1, 3)
	if b.RowFull(0, 3) {
		t.Fatal("empty row must not be full")
	}
	b.Set(0, 0)
	b.Set(0, 1)
	if b.RowFull(0, 3) {
		t.Fatal("row missing one bit must not be full")
	}
	if !b.RowFull(0, 2) {
		t.Fatal("row should be full up to index 2")
	}
	b.Set(0, 2)
	if !b.RowFull(0, 3) {
		t.Fatal("row should now be fully set")
	}
}

func TestColumnFull(t *testing.T) {
	b := New(2, 2)
	b.Set(0, 0)
	if b.ColumnFull(0) {
		t.Fatal("column not full until all rows set")
	}
	b.Set(1, 0)
	if !b.ColumnFull(0) {
		t.Fatal("column should be full")
	}
	if b.ColumnFull(1) {
		t.Fatal("column 1 should still be empty")
	}
}

func TestRowsComplete(t *testing.T) {
	b := New(3, 2)
	b.Set(0, 0)
	b.Set(0, 1)
	b.Set(1, 0)
	if got := b.RowsComplete(); got != 1 {
		t.Fatalf("got %d want 1", got)
	}
	b.Set(1, 1)
	if got := b.RowsComplete(); got != 2 {
		t.Fatalf("got %d want 2", got)
	}
}

func TestOutOfRangeIsNoop(t *testing.T) {
	b := New(1, 1)
	b.Set(5, 5) // must not panic
	if b.Get(5, 5) {
		t.Fatal("out of range Get must return false")
	}
}

func TestStridePacksEightPerByte(t *testing.T) {
	b := New(1, 9)
	if len(b.bits) != 2 {
		t.Fatalf("expected 2 bytes for 9 columns, got %d", len(b.bits))
	}
	b.Set(0, 8)
	if !b.Get(0, 8) {
		t.Fatal("bit 8 should be addressable in the second byte")
	}
}
