// Package config holds the node's environment-specific and tunable
// settings, via a go:embed pattern: required values ship
// as non-empty embedded text files, optional tunables as override files
// that fall back to a compiled-in default when empty. Secrets never live
// here — see the credentials package.
package config

import (
	_ "embed"
	"net/netip"
	"strings"
	"time"
)

// Defaults for OTA distribution tunables (per §4.4, §4.5, §4.6). Each
// can be overridden by placing a non-empty value in the corresponding
// .text file without touching code.
const (
	DefaultBlockSize           = 1024
	DefaultMaxRetriesPerBlock  = 5
	DefaultAckTimeout          = 2 * time.Second
	DefaultLeafBlockTimeout    = 30 * time.Second
	DefaultRollbackTimeout     = 5 * time.Minute
	DefaultMaxBootAttempts     = 3
	DefaultRebootPrepareWindow = 30 * time.Second
	DefaultMaxFanout           = 8
)

// Environment-specific configuration (must be provided via embedded text
// files; empty at build time is a configuration error, not a default).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for OTA tunable defaults (empty file = use default).
// The *_ms.text duration overrides are parsed with time.ParseDuration, so
// they need a unit (e.g. "500ms"); a bare number fails to parse and the
// default is used.
var (
	//go:embed block_size.text
	blockSizeOverride string

	//go:embed max_retries_per_block.text
	maxRetriesPerBlockOverride string

	//go:embed ack_timeout_ms.text
	ackTimeoutOverride string

	//go:embed leaf_block_timeout_ms.text
	leafBlockTimeoutOverride string

	//go:embed rollback_timeout_ms.text
	rollbackTimeoutOverride string

	//go:embed max_fanout.text
	maxFanoutOverride string
)

// BrokerAddr returns the MQTT control-plane broker address.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(brokerAddr))
}

// ClientID returns the MQTT client ID used by the control package.
func ClientID() string {
	return strings.TrimSpace(clientID)
}

// TelemetryCollectorAddr returns the OTLP collector address.
// Format: "host:port" e.g., "192.168.1.100:4318"
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(strings.TrimSpace(telemetryCollector))
}

// BlockSize returns the firmware chunk size in bytes used by the
// Distributor and Receiver.
func BlockSize() int {
	if n, ok := parseUintOverride(blockSizeOverride); ok {
		return n
	}
	return DefaultBlockSize
}

// MaxRetriesPerBlock returns how many resend attempts the Distributor
// makes for an unacknowledged block before giving up on that node.
func MaxRetriesPerBlock() int {
	if n, ok := parseUintOverride(maxRetriesPerBlockOverride); ok {
		return n
	}
	return DefaultMaxRetriesPerBlock
}

// AckTimeout returns how long the Distributor waits for a block ACK.
func AckTimeout() time.Duration {
	if override := strings.TrimSpace(ackTimeoutOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultAckTimeout
}

// LeafBlockTimeout returns how long a Receiver waits between blocks before
// declaring the session abandoned (per §4.5 inactivity timeout).
func LeafBlockTimeout() time.Duration {
	if override := strings.TrimSpace(leafBlockTimeoutOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultLeafBlockTimeout
}

// RollbackTimeout returns how long the rollback watchdog waits after a
// reboot before checking connectivity (per §4.7); a failed check bumps the
// attempt counter, and the partition swap happens on the next boot.
func RollbackTimeout() time.Duration {
	if override := strings.TrimSpace(rollbackTimeoutOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultRollbackTimeout
}

// MaxFanout returns the maximum number of concurrent per-node sends the
// Distributor issues within a single block round.
func MaxFanout() int {
	if n, ok := parseUintOverride(maxFanoutOverride); ok {
		return n
	}
	return DefaultMaxFanout
}

func parseUintOverride(raw string) (int, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
