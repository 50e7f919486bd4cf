package raftstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

var _ raft.LogStore = (*LogStore)(nil)

// LogStore serves raft's log from a SegmentedLog. Raft indexes map one to
// one onto log indexes.
type LogStore struct {
	log    *disk.SegmentedLog
	logger *zap.Logger

	mu sync.RWMutex
	// first is the lowest index raft still considers present after a
	// DeleteRange that could not drop whole segments.
	first uint64
}

func NewLogStore(log *disk.SegmentedLog, logger *zap.Logger) *LogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{log: log, logger: logger.Named("raftstore")}
}

func (s *LogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstLocked(), nil
}

func (s *LogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocked(), nil
}

func (s *LogStore) firstLocked() uint64 {
	appendIndex := s.log.AppendIndex()
	first := s.log.PrevIndex() + 1
	if first > appendIndex {
		return 0
	}
	if s.first > uint64(first) {
		if s.first > uint64(appendIndex) {
			return 0
		}
		return s.first
	}
	return uint64(first)
}

func (s *LogStore) lastLocked() uint64 {
	if s.firstLocked() == 0 {
		return 0
	}
	return uint64(s.log.AppendIndex())
}

// GetLog reads the entry at index into out.
func (s *LogStore) GetLog(index uint64, out *raft.Log) error {
	s.mu.RLock()
	first, last := s.firstLocked(), s.lastLocked()
	s.mu.RUnlock()
	if first == 0 || index < first || index > last {
		return raft.ErrLogNotFound
	}

	cursor, err := s.log.Reader(int64(index))
	if err != nil {
		if errors.Is(err, disk.ErrInvalidIndex) {
			return raft.ErrLogNotFound
		}
		return err
	}
	defer cursor.Close()

	if !cursor.Next() {
		if err := cursor.Err(); err != nil {
			return fmt.Errorf("read raft log %d: %w", index, err)
		}
		return raft.ErrLogNotFound
	}
	entry := cursor.Entry()
	return decodeLog(uint64(entry.Index), uint64(entry.Term), entry.Content, out)
}

func (s *LogStore) StoreLog(l *raft.Log) error {
	return s.StoreLogs([]*raft.Log{l})
}

// StoreLogs appends logs and flushes them. A log that overlaps stored
// entries truncates them first; one past a gap skips the log forward.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range logs {
		if err := s.storeLocked(l); err != nil {
			return err
		}
	}
	if err := s.log.Flush(); err != nil {
		return fmt.Errorf("flush raft logs: %w", err)
	}
	return nil
}

func (s *LogStore) storeLocked(l *raft.Log) error {
	index, term := int64(l.Index), int64(l.Term)
	prevIndex, appendIndex := s.log.PrevIndex(), s.log.AppendIndex()

	switch {
	case index <= prevIndex:
		return fmt.Errorf("%w: raft log %d precedes log start %d", disk.ErrInvalidIndex, index, prevIndex+1)
	case index <= appendIndex:
		s.logger.Debug("Overwriting raft logs", zap.Int64("fromIndex", index), zap.Int64("appendIndex", appendIndex))
		if err := s.log.Truncate(index); err != nil {
			return err
		}
		if s.first > uint64(index) {
			s.first = uint64(index)
		}
	case index > appendIndex+1:
		if err := s.log.Skip(index-1, term); err != nil {
			return err
		}
		s.first = 0
	}

	content, err := encodeLog(l)
	if err != nil {
		return err
	}
	if _, err := s.log.Append(types.LogEntry{Term: term, Content: content}); err != nil {
		return fmt.Errorf("store raft log %d: %w", l.Index, err)
	}
	return nil
}

// DeleteRange removes [min, max]. Raft deletes either a prefix after a
// snapshot or a suffix after a conflict.
func (s *LogStore) DeleteRange(min, max uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, last := s.firstLocked(), s.lastLocked()
	if first == 0 || max < first || min > last {
		return nil
	}

	switch {
	case min <= first && max >= last:
		s.log.Prune(int64(last) + 1)
		s.first = last + 1
		s.logger.Debug("Deleted all raft logs", zap.Uint64("lastIndex", last))
	case min > first:
		if max < last {
			return fmt.Errorf("delete range [%d, %d] inside [%d, %d] is not supported", min, max, first, last)
		}
		if err := s.log.Truncate(int64(min)); err != nil {
			return err
		}
	default:
		s.log.Prune(int64(max) + 1)
		s.first = max + 1
	}
	return nil
}
