// Package rollback implements the Rollback Engine (per §4.7,
// component F): a persistent flag and saturating attempt counter driving
// the boot-time decision table, plus a post-boot connectivity watchdog.
// The KV collaborator mirrors the rest of the module's go:embed-adjacent
// persistence style; the buntdb-backed adapter lives in rollback/kvstore.
package rollback

import (
	"log/slog"
	"time"

	"openenterprise/meshota/config"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
)

// MaxAttempts bounds the attempt counter (per §6 persisted state: u8
// saturating at 3).
const MaxAttempts = 3

// Store is the persistent key-value collaborator (per §6); a
// concrete adapter maps this onto a real embedded KV store.
type Store interface {
	GetBool(key string) (bool, error)
	SetBool(key string, v bool) error
	GetUint8(key string) (uint8, error)
	SetUint8(key string, v uint8) error
	DeleteKey(key string) error
}

const (
	keyArmed   = "rollback_armed"
	keyAttempt = "attempt_count"
)

// Engine wraps a Store with the arm/clear/get/check-rollback operations
// per §4.7 names.
type Engine struct {
	store Store
	log   *slog.Logger
}

// New constructs a Rollback Engine over the given persistent store.
func New(store Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, log: log}
}

// Arm sets rollback_armed=true and resets attempt_count to 0.
func (e *Engine) Arm() error {
	if err := e.store.SetBool(keyArmed, true); err != nil {
		return otaerr.New(otaerr.Fatal, "rollback.Arm", err)
	}
	if err := e.store.SetUint8(keyAttempt, 0); err != nil {
		return otaerr.New(otaerr.Fatal, "rollback.Arm", err)
	}
	return nil
}

// Clear deletes both persisted keys.
func (e *Engine) Clear() error {
	_ = e.store.DeleteKey(keyArmed)
	_ = e.store.DeleteKey(keyAttempt)
	return nil
}

// Armed reads rollback_armed, defaulting to false on any read error
// (fail-open for the non-rollback path, per §4.7).
func (e *Engine) Armed() bool {
	v, err := e.store.GetBool(keyArmed)
	if err != nil {
		e.log.Warn("rollback:read-failed", "key", keyArmed, "err", err)
		return false
	}
	return v
}

func (e *Engine) attemptCount() uint8 {
	v, err := e.store.GetUint8(keyAttempt)
	if err != nil {
		return 0
	}
	return v
}

// Action is the boot-time decision per §4.7's table names.
type Action int

const (
	NormalBoot Action = iota
	NormalBootWithWatchdog
	SwapPartitionAndRestart
)

// CheckRollback runs the boot-time decision table before the mesh starts.
func (e *Engine) CheckRollback() (Action, error) {
	if !e.Armed() {
		return NormalBoot, nil
	}
	count := e.attemptCount()
	switch {
	case count >= MaxAttempts:
		if err := e.Clear(); err != nil {
			return NormalBoot, err
		}
		return NormalBoot, nil
	case count == 0:
		return NormalBootWithWatchdog, nil
	default:
		if err := e.store.SetUint8(keyAttempt, count+1); err != nil {
			return NormalBoot, otaerr.New(otaerr.Fatal, "rollback.CheckRollback", err)
		}
		return SwapPartitionAndRestart, nil
	}
}

// ConnectivityChecker reports whether the mesh has established
// connectivity, the fact the watchdog inspects after its sleep window.
type ConnectivityChecker interface {
	Connected() bool
}

// watchdogDelay returns how long RunWatchdog sleeps before inspecting
// connectivity; tests replace it to avoid the real wait.
var watchdogDelay = config.RollbackTimeout

// RunWatchdog sleeps config.RollbackTimeout and then inspects
// connectivity, per §4.7: connected clears the flag/counter;
// disconnected increments the counter without restarting, leaving the
// partition swap to the next boot.
func (e *Engine) RunWatchdog(conn ConnectivityChecker) {
	time.Sleep(watchdogDelay())
	if conn.Connected() {
		if err := e.Clear(); err != nil {
			e.log.Warn("rollback:watchdog-clear-failed", "err", err)
		}
		return
	}
	count := e.attemptCount()
	if err := e.store.SetUint8(keyAttempt, count+1); err != nil {
		e.log.Warn("rollback:watchdog-increment-failed", "err", err)
	}
}

// SwapTarget returns the boot bank to arm when CheckRollback returns
// SwapPartitionAndRestart: the partition opposite whatever is currently
// the boot target.
func SwapTarget(part partition.Partition) (partition.Bank, error) {
	current, err := part.GetBoot()
	if err != nil {
		return 0, otaerr.New(otaerr.Fatal, "rollback.SwapTarget", err)
	}
	return current.Other(), nil
}
