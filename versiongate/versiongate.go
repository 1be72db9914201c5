// Package versiongate implements the Version Gate (per §4.3,
// component B): a strict-semver comparison used to decide whether a
// candidate firmware version is eligible to replace a running one. It
// fails closed — any unparsable version is rejected rather than assumed
// newer — grounded on the Version{Major,Minor,Patch} comparison in
// agsys-control's OTA manager.
package versiongate

import (
	"strconv"
	"strings"

	"openenterprise/meshota/otaerr"
)

// Version is a parsed major.minor.patch triple. Pre-release/build metadata
// suffixes are not supported; this module's firmware versions are plain
// dotted triples.
type Version struct {
	Major, Minor, Patch uint32
}

// Parse decodes a "X.Y.Z" string. Any other shape is rejected rather than
// guessed at.
func Parse(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, otaerr.New(otaerr.InvalidVersion, "versiongate.Parse", nil)
	}
	nums := make([]uint32, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, otaerr.New(otaerr.InvalidVersion, "versiongate.Parse", err)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Version) Compare(b Version) int {
	switch {
	case a.Major != b.Major:
		return cmp(a.Major, b.Major)
	case a.Minor != b.Minor:
		return cmp(a.Minor, b.Minor)
	default:
		return cmp(a.Patch, b.Patch)
	}
}

func cmp(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (a Version) String() string {
	return strconv.FormatUint(uint64(a.Major), 10) + "." +
		strconv.FormatUint(uint64(a.Minor), 10) + "." +
		strconv.FormatUint(uint64(a.Patch), 10)
}

// Allow reports whether candidate is eligible to replace running:
// same-or-newer by semver comparison. Called at the three points per §4.3
// names — Downloader advertisement, Distributor session start, and
// Receiver's pre-reboot re-check — with an unparsable candidate or running
// string always rejected.
func Allow(runningRaw, candidateRaw string) (bool, error) {
	running, err := Parse(runningRaw)
	if err != nil {
		return false, err
	}
	candidate, err := Parse(candidateRaw)
	if err != nil {
		return false, err
	}
	return candidate.Compare(running) >= 0, nil
}
