package transport

import "testing"

func TestAddrString(t *testing.T) {
	a := Addr{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB}
	if got, want := a.String(), "01:23:45:67:89:ab"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBroadcastIsAllOnes(t *testing.T) {
	for _, b := range Broadcast {
		if b != 0xFF {
			t.Fatalf("Broadcast must be all-ones, got %v", Broadcast)
		}
	}
}
