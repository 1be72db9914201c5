// Package memfake is an in-memory partition.Partition used by component
// tests; it has no relation to real flash geometry beyond the dual-bank
// shape the interface requires.
package memfake

import (
	"sync"

	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
)

type writeState struct {
	bank       partition.Bank
	buf        []byte
	size       uint32
	open       bool
	version    string
	hasVersion bool
}

// Flash is a test double for partition.Partition backed by plain byte
// slices, with each bank's version descriptor settable directly by tests.
type Flash struct {
	mu      sync.Mutex
	running partition.Bank
	boot    partition.Bank
	banks   [2]Descriptor
	writes  map[partition.WriteHandle]*writeState
	nextH   partition.WriteHandle
}

// Descriptor mirrors partition.Descriptor plus the raw image bytes, so
// tests can assert on what was written.
type Descriptor struct {
	partition.Descriptor
	Image []byte
}

// New creates a Flash with bank A running and already holding version v.
func New(runningVersion string) *Flash {
	f := &Flash{writes: make(map[partition.WriteHandle]*writeState)}
	f.running = partition.BankA
	f.boot = partition.BankA
	f.banks[partition.BankA] = Descriptor{Descriptor: partition.Descriptor{Version: runningVersion, Valid: true}}
	return f
}

// SetDescriptor lets a test pre-seed a bank's reported version, e.g. to
// simulate an already-staged inactive image.
func (f *Flash) SetDescriptor(bank partition.Bank, version string, valid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banks[bank] = Descriptor{Descriptor: partition.Descriptor{Version: version, Valid: valid}}
}

// SetStagedImage pre-seeds a bank's descriptor and raw bytes together, the
// shape the Distributor expects an already-downloaded inactive partition
// to be in.
func (f *Flash) SetStagedImage(bank partition.Bank, version string, image []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banks[bank] = Descriptor{
		Descriptor: partition.Descriptor{Version: version, Valid: true, Size: uint32(len(image))},
		Image:      image,
	}
}

// Image returns the bytes written to bank, for test assertions.
func (f *Flash) Image(bank partition.Bank) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banks[bank].Image
}

func (f *Flash) Running() partition.Bank { return f.running }
func (f *Flash) Next() partition.Bank    { return f.running.Other() }

func (f *Flash) ReadDescriptor(bank partition.Bank) (partition.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banks[bank].Descriptor, nil
}

func (f *Flash) Read(bank partition.Bank, offset int, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.banks[bank].Image
	if offset < 0 || offset+len(buf) > len(img) {
		return otaerr.New(otaerr.InvalidSize, "memfake.Read", nil)
	}
	copy(buf, img[offset:offset+len(buf)])
	return nil
}

func (f *Flash) OpenWrite(sizeBytes uint32) (partition.WriteHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextH++
	h := f.nextH
	f.writes[h] = &writeState{bank: f.running.Other(), size: sizeBytes, open: true}
	return h, nil
}

func (f *Flash) SetPendingVersion(handle partition.WriteHandle, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.writes[handle]
	if !ok || !w.open {
		return partition.ErrNoHandle
	}
	w.version = version
	w.hasVersion = true
	return nil
}

func (f *Flash) Write(handle partition.WriteHandle, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.writes[handle]
	if !ok || !w.open {
		return partition.ErrNoHandle
	}
	w.buf = append(w.buf, buf...)
	return nil
}

func (f *Flash) Finish(handle partition.WriteHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.writes[handle]
	if !ok || !w.open {
		return partition.ErrNoHandle
	}
	if uint32(len(w.buf)) != w.size {
		return otaerr.New(otaerr.InvalidSize, "memfake.Finish", nil)
	}
	version := f.banks[w.bank].Version
	if w.hasVersion {
		version = w.version
	}
	f.banks[w.bank] = Descriptor{Descriptor: partition.Descriptor{Version: version, Valid: true, Size: uint32(len(w.buf))}, Image: w.buf}
	w.open = false
	delete(f.writes, handle)
	return nil
}

func (f *Flash) Abort(handle partition.WriteHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.writes[handle]; !ok {
		return partition.ErrNoHandle
	}
	delete(f.writes, handle)
	return nil
}

func (f *Flash) SetBoot(bank partition.Bank) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot = bank
	return nil
}

func (f *Flash) GetBoot() (partition.Bank, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot, nil
}

func (f *Flash) ValidateState(bank partition.Bank) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.banks[bank].Valid {
		return otaerr.New(otaerr.InvalidState, "memfake.ValidateState", nil)
	}
	return nil
}

// Reboot simulates a restart into whatever bank is currently armed,
// swapping Running() to match — tests call this to observe post-reboot
// state instead of the process actually exiting.
func (f *Flash) Reboot() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = f.boot
	return nil
}
