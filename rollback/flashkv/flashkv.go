// Package flashkv is a tinygo-tagged rollback.Store backed by a single
// reserved flash sector outside both OTA partitions, so the armed flag
// and attempt counter survive the reboot rollback.RunWatchdog and
// rollback.CheckRollback coordinate around. Modeled on the same
// erase-then-program discipline as partition/flash, just for a four-byte
// record instead of a firmware image.
//
//go:build tinygo

package flashkv

import (
	"sync"
	"unsafe"

	"openenterprise/meshota/ota"
	"openenterprise/meshota/otaerr"
)

// metadataOffset is the first sector of the reserved region that follows
// partition B in ota's flash layout (PARTITION_B_OFFSET 0x1F2000 plus
// PARTITION_MAX_SIZE 0x1F0000), for small persistent records like this
// one; it must never overlap either OTA partition.
const metadataOffset = 0x1F2000 + 0x1F0000

const recordMagic = 0x524B // "RK"

type record struct {
	magic   uint16
	armed   bool
	attempt uint8
}

// Store implements rollback.Store directly against flash, keyed by the
// two names rollback.Engine actually uses ("rollback_armed",
// "attempt_count"); any other key is a programmer error in the caller.
type Store struct {
	mu    sync.Mutex
	cache *record
}

func New() *Store { return &Store{} }

func (s *Store) load() record {
	if s.cache != nil {
		return *s.cache
	}
	buf := make([]byte, 4)
	readFlash(metadataOffset, buf)
	r := record{}
	magic := uint16(buf[0])<<8 | uint16(buf[1])
	if magic == recordMagic {
		r.magic = recordMagic
		r.armed = buf[2] != 0
		r.attempt = buf[3]
	}
	s.cache = &r
	return r
}

func (s *Store) persist(r record) error {
	buf := make([]byte, 4)
	buf[0] = byte(recordMagic >> 8)
	buf[1] = byte(recordMagic)
	if r.armed {
		buf[2] = 1
	}
	buf[3] = r.attempt
	if err := ota.EraseSector(metadataOffset); err != nil {
		return otaerr.New(otaerr.Fatal, "flashkv.persist", err)
	}
	if err := ota.WriteChunk(metadataOffset, buf); err != nil {
		return otaerr.New(otaerr.Fatal, "flashkv.persist", err)
	}
	s.cache = &r
	return nil
}

// readFlash reads through the XIP-mapped flash window, rebasing offset
// onto partition A's XIP address the same way partition/flash does.
func readFlash(offset uint32, buf []byte) {
	addr := ota.GetPartitionXIPAddr(ota.PartitionA) - ota.GetPartitionOffset(ota.PartitionA) + offset
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
}

func (s *Store) GetBool(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load()
	if key == "rollback_armed" {
		return r.armed, nil
	}
	return false, otaerr.New(otaerr.InvalidArg, "flashkv.GetBool", nil)
}

func (s *Store) SetBool(key string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "rollback_armed" {
		return otaerr.New(otaerr.InvalidArg, "flashkv.SetBool", nil)
	}
	r := s.load()
	r.armed = v
	return s.persist(r)
}

func (s *Store) GetUint8(key string) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load()
	if key == "attempt_count" {
		return r.attempt, nil
	}
	return 0, otaerr.New(otaerr.InvalidArg, "flashkv.GetUint8", nil)
}

func (s *Store) SetUint8(key string, v uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != "attempt_count" {
		return otaerr.New(otaerr.InvalidArg, "flashkv.SetUint8", nil)
	}
	r := s.load()
	r.attempt = v
	return s.persist(r)
}

func (s *Store) DeleteKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load()
	switch key {
	case "rollback_armed":
		r.armed = false
	case "attempt_count":
		r.attempt = 0
	default:
		return otaerr.New(otaerr.InvalidArg, "flashkv.DeleteKey", nil)
	}
	return s.persist(r)
}
