package raftstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

const dbFileMode = 0o600

var (
	dbConf = []byte("conf")

	// ErrKeyNotFound matches the text raft checks for on a missing key.
	ErrKeyNotFound = errors.New("not found")
)

var _ raft.StableStore = (*StableStore)(nil)

// StableStore keeps raft's term and vote in a bolt database.
type StableStore struct {
	db   *bolt.DB
	path string
}

func NewStableStore(path string) (*StableStore, error) {
	db, err := bolt.Open(path, dbFileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open stable store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dbConf)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize stable store %s: %w", path, err)
	}
	return &StableStore{db: db, path: path}, nil
}

func (s *StableStore) Set(k, v []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dbConf).Put(k, v)
	})
}

func (s *StableStore) Get(k []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dbConf).Get(k)
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte{}, v...)
		return nil
	})
	return val, err
}

func (s *StableStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return s.Set(key, buf[:])
}

func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("stable key %q holds %d bytes, want 8", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *StableStore) Path() string {
	return s.path
}

func (s *StableStore) Close() error {
	return s.db.Close()
}
