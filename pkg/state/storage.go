// Package state persists small versioned state records, such as cluster
// membership, next to the log.
package state

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StateMarshal encodes a state type and tells which of two states is newer.
type StateMarshal[T any] interface {
	types.ChannelMarshal[T]
	// StartState is the state used when nothing has been persisted.
	StartState() T
	// Ordinal orders states; the higher one wins on recovery.
	Ordinal(state T) int64
}

const (
	recordPrefixSize = 12 // u32 length + u64 xxhash
	maxStateSize     = 64 << 20
)

var errCorruptState = errors.New("corrupt state record")

// DurableStateStorage appends state records to one of two files,
// <name>.a and <name>.b, switching to the other file after a number of
// writes. The latest state always survives in one of them.
type DurableStateStorage[T any] struct {
	mu          sync.Mutex
	fs          disk.FileSystem
	paths       [2]string
	active      int
	file        disk.File
	writer      *bufio.Writer
	writes      int
	rotateAfter int
	marshal     StateMarshal[T]
	initial     T
	logger      *zap.Logger
}

// Open recovers the newest state stored under dir/name and prepares the
// other file for new writes.
func Open[T any](fs disk.FileSystem, dir, name string, marshal StateMarshal[T], rotateAfter int, logger *zap.Logger) (*DurableStateStorage[T], error) {
	if fs == nil {
		fs = disk.OSFileSystem{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rotateAfter <= 0 {
		rotateAfter = 1000
	}
	if err := fs.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	s := &DurableStateStorage[T]{
		fs:          fs,
		paths:       [2]string{filepath.Join(dir, name+".a"), filepath.Join(dir, name+".b")},
		rotateAfter: rotateAfter,
		marshal:     marshal,
		logger:      logger.With(zap.String("state", name)),
	}

	stateA, okA, err := s.readLast(s.paths[0])
	if err != nil {
		return nil, err
	}
	stateB, okB, err := s.readLast(s.paths[1])
	if err != nil {
		return nil, err
	}

	// Writes continue in the file that does not hold the recovered state.
	switch {
	case okA && okB && marshal.Ordinal(stateA) >= marshal.Ordinal(stateB):
		s.initial, s.active = stateA, 1
	case okA && okB:
		s.initial, s.active = stateB, 0
	case okA:
		s.initial, s.active = stateA, 1
	case okB:
		s.initial, s.active = stateB, 0
	default:
		s.initial, s.active = marshal.StartState(), 0
	}

	if err := s.resetActiveLocked(); err != nil {
		return nil, err
	}
	if err := s.writeLocked(s.initial); err != nil {
		return nil, multierr.Append(err, s.file.Close())
	}
	s.logger.Debug("Recovered state", zap.String("activeFile", s.paths[s.active]), zap.Int64("ordinal", marshal.Ordinal(s.initial)))
	return s, nil
}

// InitialState returns the state recovered on open.
func (s *DurableStateStorage[T]) InitialState() T {
	return s.initial
}

// Persist durably records state as the newest version.
func (s *DurableStateStorage[T]) Persist(state T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return disk.ErrClosed
	}
	if s.writes >= s.rotateAfter {
		if err := s.switchLocked(); err != nil {
			return err
		}
	}
	return s.writeLocked(state)
}

func (s *DurableStateStorage[T]) switchLocked() error {
	if err := s.file.Close(); err != nil {
		s.logger.Warn("Failed to close state file", zap.Error(err))
	}
	s.active = 1 - s.active
	return s.resetActiveLocked()
}

// resetActiveLocked truncates the active file and opens it for writing.
func (s *DurableStateStorage[T]) resetActiveLocked() error {
	path := s.paths[s.active]
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reset state file %s: %w", path, err)
	}
	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("create state file %s: %w", path, err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.writes = 0
	return nil
}

func (s *DurableStateStorage[T]) writeLocked(state T) error {
	var payload bytes.Buffer
	if err := s.marshal.Marshal(state, &payload); err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	var prefix [recordPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[0:4], uint32(payload.Len()))
	binary.BigEndian.PutUint64(prefix[4:12], util.Checksum(payload.Bytes()))
	if _, err := s.writer.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := s.writer.Write(payload.Bytes()); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync state: %w", err)
	}
	s.writes++
	return nil
}

// readLast returns the last intact record of a state file. A missing file
// or one without any intact record reports ok=false.
func (s *DurableStateStorage[T]) readLast(path string) (state T, ok bool, err error) {
	f, err := s.fs.OpenRead(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, false, nil
		}
		return state, false, fmt.Errorf("open state file %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		v, err := s.readRecord(r)
		if err != nil {
			if errors.Is(err, util.ErrShortRead) || errors.Is(err, errCorruptState) {
				return state, ok, nil
			}
			return state, ok, fmt.Errorf("read state file %s: %w", path, err)
		}
		state, ok = v, true
	}
}

func (s *DurableStateStorage[T]) readRecord(r io.Reader) (T, error) {
	var zero T
	var prefix [recordPrefixSize]byte
	if err := util.ReadFull(r, prefix[:]); err != nil {
		return zero, err
	}
	size := binary.BigEndian.Uint32(prefix[0:4])
	if size > maxStateSize {
		return zero, fmt.Errorf("%w: length %d", errCorruptState, size)
	}
	payload := make([]byte, size)
	if err := util.ReadFull(r, payload); err != nil {
		return zero, err
	}
	if util.Checksum(payload) != binary.BigEndian.Uint64(prefix[4:12]) {
		return zero, errCorruptState
	}
	v, err := s.marshal.Unmarshal(bytes.NewReader(payload))
	if err != nil {
		return zero, fmt.Errorf("%w: %v", errCorruptState, err)
	}
	if isNil(v) {
		return zero, fmt.Errorf("%w: record decodes to no state", errCorruptState)
	}
	return v, nil
}

// isNil reports a nil pointer, map, slice or interface state.
func isNil[T any](v T) bool {
	rv := reflect.ValueOf(&v).Elem()
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func (s *DurableStateStorage[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := multierr.Append(s.writer.Flush(), s.file.Close())
	s.file, s.writer = nil, nil
	return err
}
