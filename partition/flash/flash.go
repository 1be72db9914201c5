// Package flash adapts the RP2350 ROM/flash primitives in package ota to
// partition.Partition, so the Downloader, Distributor, Receiver and
// Reboot Coordinator can all drive real hardware through one interface
// instead of reaching for ota's C-ABI functions directly. Erasure happens
// on demand, sector by sector, as OpenWrite/Write are called, not all at
// once up front.
//
//go:build tinygo

package flash

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"openenterprise/meshota/ota"
	"openenterprise/meshota/otaerr"
	"openenterprise/meshota/partition"
)

// descriptorMagic marks the first four bytes of a partition's embedded
// app descriptor header, the fixed structure build tooling stamps at the
// start of every image (per §4.3).
const descriptorMagic = 0x4F544144 // "OTAD"

// descriptorHeaderSize reserves a fixed region at the start of every
// partition for {magic, version[16], size}, ahead of the image payload.
const descriptorHeaderSize = 4 + 16 + 4

// Device implements partition.Partition directly against the board's two
// OTA partitions.
type Device struct {
	mu       sync.Mutex
	writes   map[partition.WriteHandle]*pendingWrite
	nextH    partition.WriteHandle
	bootBank partition.Bank
}

type pendingWrite struct {
	bank       partition.Bank
	size       uint32
	written    uint32
	lastSector uint32
	erased     bool
	version    string
	hasVersion bool
}

// New constructs a Device; GetBoot reflects whatever GetCurrentPartition
// reports until SetBoot is called.
func New() *Device {
	d := &Device{writes: make(map[partition.WriteHandle]*pendingWrite)}
	d.bootBank = bankOf(ota.GetCurrentPartition())
	return d
}

func bankOf(p int) partition.Bank {
	if p == ota.PartitionA {
		return partition.BankA
	}
	return partition.BankB
}

func romPartition(b partition.Bank) int {
	if b == partition.BankA {
		return ota.PartitionA
	}
	return ota.PartitionB
}

func (d *Device) Running() partition.Bank { return bankOf(ota.GetCurrentPartition()) }
func (d *Device) Next() partition.Bank    { return d.Running().Other() }

func (d *Device) ReadDescriptor(bank partition.Bank) (partition.Descriptor, error) {
	header := make([]byte, descriptorHeaderSize)
	offset := ota.GetPartitionOffset(romPartition(bank))
	if err := readFlash(offset, header); err != nil {
		return partition.Descriptor{}, err
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != descriptorMagic {
		return partition.Descriptor{Valid: false}, nil
	}
	version := decodeVersionField(header[4:20])
	size := binary.BigEndian.Uint32(header[20:24])
	return partition.Descriptor{Version: version, Valid: true, Size: size}, nil
}

func (d *Device) Read(bank partition.Bank, offset int, buf []byte) error {
	base := ota.GetPartitionOffset(romPartition(bank))
	return readFlash(base+descriptorHeaderSize+uint32(offset), buf)
}

// readFlash reads directly off the XIP-mapped bus: on RP2350, flash is
// addressable as ordinary memory once an offset is translated to its XIP
// address, so a read is just a dereference through an unsafe pointer at
// that address — no ROM call needed. offset is relative to flash start, the
// same frame GetPartitionOffset returns; xipAddrForOffset rebases it onto
// partition A's XIP window, which is contiguous with the rest of flash.
func readFlash(offset uint32, buf []byte) error {
	addr := xipAddrForOffset(offset)
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
	return nil
}

func xipAddrForOffset(offset uint32) uint32 {
	return ota.GetPartitionXIPAddr(ota.PartitionA) - ota.GetPartitionOffset(ota.PartitionA) + offset
}

func decodeVersionField(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// encodeVersionField writes s into a zero-padded 16-byte field, truncating
// if too long — version strings are plain dotted triples, well under that.
func encodeVersionField(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func (d *Device) OpenWrite(sizeBytes uint32) (partition.WriteHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sizeBytes > ota.GetPartitionMaxSize()-descriptorHeaderSize {
		return 0, otaerr.New(otaerr.InvalidSize, "flash.OpenWrite", ota.ErrImageTooLarge)
	}
	d.nextH++
	h := d.nextH
	d.writes[h] = &pendingWrite{bank: d.Next(), size: sizeBytes}
	return h, nil
}

func (d *Device) SetPendingVersion(handle partition.WriteHandle, version string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.writes[handle]
	if !ok {
		return partition.ErrNoHandle
	}
	w.version = version
	w.hasVersion = true
	return nil
}

func (d *Device) Write(handle partition.WriteHandle, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.writes[handle]
	if !ok {
		return partition.ErrNoHandle
	}

	base := ota.GetPartitionOffset(romPartition(w.bank))
	writeOffset := base + descriptorHeaderSize + w.written

	sector := writeOffset / ota.SectorSize
	if !w.erased || sector != w.lastSector {
		if err := ota.EraseSector(sector * ota.SectorSize); err != nil {
			return otaerr.New(otaerr.Fatal, "flash.Write", ota.ErrFlashEraseFailed)
		}
		w.erased = true
		w.lastSector = sector
	}

	if err := ota.WriteChunk(writeOffset, buf); err != nil {
		return otaerr.New(otaerr.Fatal, "flash.Write", ota.ErrFlashWriteFailed)
	}
	w.written += uint32(len(buf))
	return nil
}

func (d *Device) Finish(handle partition.WriteHandle) error {
	d.mu.Lock()
	w, ok := d.writes[handle]
	d.mu.Unlock()
	if !ok {
		return partition.ErrNoHandle
	}
	if w.written != w.size {
		return otaerr.New(otaerr.InvalidSize, "flash.Finish", nil)
	}

	version := w.version
	if !w.hasVersion {
		if prior, err := d.ReadDescriptor(w.bank); err == nil && prior.Valid {
			version = prior.Version
		}
	}
	versionField := encodeVersionField(version)

	header := make([]byte, descriptorHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], descriptorMagic)
	copy(header[4:20], versionField[:])
	binary.BigEndian.PutUint32(header[20:24], w.size)
	base := ota.GetPartitionOffset(romPartition(w.bank))
	if err := ota.EraseSector(base); err != nil {
		return otaerr.New(otaerr.Fatal, "flash.Finish", err)
	}
	if err := ota.WriteChunk(base, header); err != nil {
		return otaerr.New(otaerr.Fatal, "flash.Finish", err)
	}

	d.mu.Lock()
	delete(d.writes, handle)
	d.mu.Unlock()
	return nil
}

func (d *Device) Abort(handle partition.WriteHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.writes[handle]; !ok {
		return partition.ErrNoHandle
	}
	delete(d.writes, handle)
	return nil
}

func (d *Device) SetBoot(bank partition.Bank) error {
	d.mu.Lock()
	d.bootBank = bank
	d.mu.Unlock()
	return nil
}

func (d *Device) GetBoot() (partition.Bank, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootBank, nil
}

func (d *Device) ValidateState(bank partition.Bank) error {
	desc, err := d.ReadDescriptor(bank)
	if err != nil {
		return err
	}
	if !desc.Valid {
		return otaerr.New(otaerr.InvalidState, "flash.ValidateState", nil)
	}
	return nil
}

// Reboot does not return on success; ota.RebootToPartition only comes
// back here if the ROM call itself failed.
func (d *Device) Reboot() error {
	d.mu.Lock()
	target := d.bootBank
	d.mu.Unlock()
	ota.RebootToPartition(romPartition(target))
	return ota.ErrRebootFailed
}
