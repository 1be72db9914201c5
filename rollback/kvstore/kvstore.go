// Package kvstore is the host-side rollback.Store backed by buntdb, an
// embedded key-value store kept on disk across reboots. Not built for
// tinygo targets — the device-side store lives behind a build tag next to
// the flash-backed persistence the real hardware uses.
//
//go:build !tinygo

package kvstore

import (
	"strconv"

	"github.com/tidwall/buntdb"

	"openenterprise/meshota/otaerr"
)

// Store persists the rollback namespace's two keys under a buntdb file.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the buntdb file at path.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, otaerr.New(otaerr.Fatal, "kvstore.Open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetBool(key string) (bool, error) {
	var v string
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		v = val
		return nil
	})
	if err != nil {
		if err == buntdb.ErrNotFound {
			return false, nil
		}
		return false, otaerr.New(otaerr.Fatal, "kvstore.GetBool", err)
	}
	return v == "1", nil
}

func (s *Store) SetBool(key string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, val, nil)
		return err
	})
	if err != nil {
		return otaerr.New(otaerr.Fatal, "kvstore.SetBool", err)
	}
	return nil
}

func (s *Store) GetUint8(key string) (uint8, error) {
	var v string
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		v = val
		return nil
	})
	if err != nil {
		if err == buntdb.ErrNotFound {
			return 0, nil
		}
		return 0, otaerr.New(otaerr.Fatal, "kvstore.GetUint8", err)
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, otaerr.New(otaerr.Fatal, "kvstore.GetUint8", err)
	}
	return uint8(n), nil
}

func (s *Store) SetUint8(key string, v uint8) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, strconv.FormatUint(uint64(v), 10), nil)
		return err
	})
	if err != nil {
		return otaerr.New(otaerr.Fatal, "kvstore.SetUint8", err)
	}
	return nil
}

func (s *Store) DeleteKey(key string) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return otaerr.New(otaerr.Fatal, "kvstore.DeleteKey", err)
	}
	return nil
}
