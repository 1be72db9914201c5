package rollback

import (
	"testing"
	"time"

	"openenterprise/meshota/rollback/memstore"
)

type fakeConn struct{ connected bool }

func (f fakeConn) Connected() bool { return f.connected }

// noWatchdogWait makes RunWatchdog inspect connectivity immediately for
// the rest of the test instead of sleeping config.RollbackTimeout.
func noWatchdogWait(t *testing.T) {
	restore := watchdogDelay
	watchdogDelay = func() time.Duration { return 0 }
	t.Cleanup(func() { watchdogDelay = restore })
}

func TestCheckRollbackNotArmedIsNormalBoot(t *testing.T) {
	e := New(memstore.New(), nil)
	action, err := e.CheckRollback()
	if err != nil || action != NormalBoot {
		t.Fatalf("got %v %v", action, err)
	}
}

func TestCheckRollbackFirstBootStartsWatchdog(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	if err := e.Arm(); err != nil {
		t.Fatal(err)
	}
	action, err := e.CheckRollback()
	if err != nil || action != NormalBootWithWatchdog {
		t.Fatalf("got %v %v", action, err)
	}
}

func TestCheckRollbackLoopCapScenario(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	if err := e.Arm(); err != nil {
		t.Fatal(err)
	}

	noWatchdogWait(t)

	// Boot 1: counter 0 -> watchdog starts; simulate disconnected watchdog.
	action, _ := e.CheckRollback()
	if action != NormalBootWithWatchdog {
		t.Fatalf("boot1: got %v", action)
	}
	e.RunWatchdog(fakeConn{connected: false})

	// Boot 2: counter 1 -> swap, counter becomes 2.
	action, _ = e.CheckRollback()
	if action != SwapPartitionAndRestart {
		t.Fatalf("boot2: got %v", action)
	}
	count, _ := store.GetUint8(keyAttempt)
	if count != 2 {
		t.Fatalf("boot2: expected counter 2, got %d", count)
	}

	// Boot 3: counter 2 -> swap, counter becomes 3.
	action, _ = e.CheckRollback()
	if action != SwapPartitionAndRestart {
		t.Fatalf("boot3: got %v", action)
	}
	count, _ = store.GetUint8(keyAttempt)
	if count != 3 {
		t.Fatalf("boot3: expected counter 3, got %d", count)
	}

	// Boot 4: counter 3 >= MaxAttempts -> clear, normal boot.
	action, _ = e.CheckRollback()
	if action != NormalBoot {
		t.Fatalf("boot4: got %v", action)
	}
	if e.Armed() {
		t.Fatal("expected flag cleared after boot4")
	}
}

func TestWatchdogConnectedClears(t *testing.T) {
	store := memstore.New()
	e := New(store, nil)
	e.Arm()
	noWatchdogWait(t)
	e.RunWatchdog(fakeConn{connected: true})
	if e.Armed() {
		t.Fatal("expected flag cleared when mesh reconnects")
	}
}

func TestArmedFailsOpenOnReadError(t *testing.T) {
	store := memstore.New()
	store.FailReads = true
	e := New(store, nil)
	if e.Armed() {
		t.Fatal("expected fail-open to false on read error")
	}
}
