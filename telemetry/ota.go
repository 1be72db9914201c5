//go:build tinygo

package telemetry

import (
	"github.com/soypat/lneto/x/xnet"

	"openenterprise/meshota/otaerr"
)

// RecordBlockProgress records the percentage of a round's blocks
// distributed so far, sampled once per block as the Distributor finishes
// that block's send/retry rounds.
func RecordBlockProgress(blockNo, totalBlocks int) {
	var pct int64
	if totalBlocks > 0 {
		pct = int64(blockNo) * 100 / int64(totalBlocks)
	}
	RecordGauge("ota.block_progress", pct)
}

// RecordNodesComplete records how many mesh nodes have finished receiving
// the current round's image.
func RecordNodesComplete(n int) {
	RecordGauge("ota.nodes_complete", int64(n))
}

// RecordRebootInitiated counts one reboot-coordination round being started.
func RecordRebootInitiated() {
	RecordCounter("ota.reboot_initiated", 1)
}

// RecordRebootFailed counts a reboot round that did not reach commit.
func RecordRebootFailed() {
	RecordCounter("ota.reboot_failed", 1)
}

// RecordReceiveFailure counts a Receiver rejection tagged by kind, so a
// dashboard can break down why leaves are rejecting blocks or reboots
// (bad CRC vs. stale version vs. out-of-order frame).
func RecordReceiveFailure(kind otaerr.Kind) {
	RecordCounter("ota.receive_failure."+string(kind), 1)
}

// RecordRollbackTriggered counts a boot-time rollback swapping the device
// back to its previous partition.
func RecordRollbackTriggered() {
	RecordCounter("ota.rollback_triggered", 1)
}

// StartDistributeSpan starts a trace span named "ota.distribute" for one
// distribution round; it stays open until the caller passes its index to
// EndSpan.
func StartDistributeSpan(s *xnet.StackAsync) int {
	return StartSpan(s, "ota.distribute")
}

// StartRebootSpan starts a trace span covering one PREPARE/COMMIT reboot
// round.
func StartRebootSpan(s *xnet.StackAsync) int {
	return StartSpan(s, "ota.reboot")
}
