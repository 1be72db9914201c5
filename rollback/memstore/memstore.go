// Package memstore is an in-memory rollback.Store used by component
// tests.
package memstore

import (
	"sync"

	"openenterprise/meshota/otaerr"
)

type Store struct {
	mu   sync.Mutex
	data map[string]any

	// FailReads, when true, makes every Get call return an error — used to
	// exercise the Rollback Engine's fail-open read path.
	FailReads bool
}

func New() *Store { return &Store{data: make(map[string]any)} }

func (s *Store) GetBool(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return false, otaerr.New(otaerr.Fatal, "memstore.GetBool", nil)
	}
	v, ok := s.data[key]
	if !ok {
		return false, nil
	}
	b, _ := v.(bool)
	return b, nil
}

func (s *Store) SetBool(key string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
	return nil
}

func (s *Store) GetUint8(key string) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return 0, otaerr.New(otaerr.Fatal, "memstore.GetUint8", nil)
	}
	v, ok := s.data[key]
	if !ok {
		return 0, nil
	}
	n, _ := v.(uint8)
	return n, nil
}

func (s *Store) SetUint8(key string, v uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
	return nil
}

func (s *Store) DeleteKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
