package disk

import (
	"fmt"
	"sync"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Segments is the ordered sequence of segment files of one log directory.
// The last segment is the only one with a writer.
type Segments struct {
	cfg    SegmentFileConfig
	names  FileNames
	logger *zap.Logger

	mu    sync.RWMutex
	files []*SegmentFile // ascending version
}

func newSegments(cfg SegmentFileConfig, names FileNames, files []*SegmentFile) *Segments {
	cfg = cfg.withDefaults()
	s := &Segments{cfg: cfg, names: names, logger: cfg.Logger, files: files}
	metrics.Segments.Add(float64(len(files)))
	return s
}

// Rotate closes the writer of the current segment, which stays readable,
// and starts the next version.
func (s *Segments) Rotate(prevFileLastIndex, prevIndex, prevTerm int64) (*SegmentFile, error) {
	seg, err := s.createNext(prevFileLastIndex, prevIndex, prevTerm)
	if err != nil {
		return nil, err
	}
	metrics.SegmentRotations.Inc()
	return seg, nil
}

// Truncate starts a segment whose entries supersede every entry after
// prevIndex held by older segments.
func (s *Segments) Truncate(prevFileLastIndex, prevIndex, prevTerm int64) (*SegmentFile, error) {
	return s.createNext(prevFileLastIndex, prevIndex, prevTerm)
}

// Skip starts a segment whose first entry is prevIndex+1, leaving a hole
// between prevFileLastIndex and prevIndex.
func (s *Segments) Skip(prevFileLastIndex, prevIndex, prevTerm int64) (*SegmentFile, error) {
	return s.createNext(prevFileLastIndex, prevIndex, prevTerm)
}

func (s *Segments) createNext(prevFileLastIndex, prevIndex, prevTerm int64) (*SegmentFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version uint64
	if n := len(s.files); n > 0 {
		last := s.files[n-1]
		if err := last.CloseWriter(); err != nil {
			s.logger.Warn("Failed to close writer before rotation", zap.Error(err), zap.String("segment", last.Filename()))
		}
		version = last.Version() + 1
	}

	header := types.SegmentHeader{
		PrevFileLastIndex: prevFileLastIndex,
		Version:           version,
		PrevIndex:         prevIndex,
		PrevTerm:          prevTerm,
	}
	seg, err := CreateSegmentFile(s.cfg, s.names.Path(version), version, header)
	if err != nil {
		return nil, err
	}
	s.files = append(s.files, seg)
	metrics.Segments.Inc()
	s.logger.Debug("Created segment", zap.Stringer("header", header))
	return seg, nil
}

// SegmentFor returns the newest segment whose first index is at or before
// index. Newer segments created by truncation or skip supersede older
// entries, so this is the only segment allowed to serve index.
func (s *Segments) SegmentFor(index int64) (*SegmentFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.files) - 1; i >= 0; i-- {
		if f := s.files[i]; f.Header().PrevIndex < index {
			return f, true
		}
	}
	return nil, false
}

// PruneUpTo disposes and deletes segments older than version, oldest first.
// It never waits for readers: the pass stops at the first segment that is
// still referenced so the readable range stays contiguous, and the rest is
// left for the next call. It returns the number of segments deleted.
func (s *Segments) PruneUpTo(version uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for len(s.files) > 1 {
		seg := s.files[0]
		if seg.Version() >= version {
			break
		}
		if !seg.TryClose() {
			metrics.PruneDeferred.Inc()
			s.logger.Debug("Prune deferred, segment still in use",
				zap.String("segment", seg.Filename()), zap.Int64("references", seg.References()))
			break
		}
		if err := seg.Delete(); err != nil {
			s.logger.Error("Failed to delete pruned segment", zap.Error(err), zap.String("segment", seg.Filename()))
		}
		s.files[0] = nil
		s.files = s.files[1:]
		pruned++
	}

	if pruned > 0 {
		metrics.SegmentsPruned.Add(float64(pruned))
		metrics.Segments.Sub(float64(pruned))
	}
	return pruned
}

// Last returns the segment currently accepting writes.
func (s *Segments) Last() *SegmentFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.files) == 0 {
		return nil
	}
	return s.files[len(s.files)-1]
}

// First returns the oldest segment still on disk.
func (s *Segments) First() *SegmentFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.files) == 0 {
		return nil
	}
	return s.files[0]
}

// All returns a snapshot of the segments in ascending version order.
func (s *Segments) All() []*SegmentFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SegmentFile, len(s.files))
	copy(out, s.files)
	return out
}

func (s *Segments) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// TotalSize sums the on-disk size of every segment.
func (s *Segments) TotalSize() int64 {
	var total int64
	for _, seg := range s.All() {
		if size, err := seg.Size(); err == nil {
			total += size
		}
	}
	return total
}

func (s *Segments) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, seg := range s.files {
		if cerr := seg.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", seg.Filename(), cerr))
		}
	}
	metrics.Segments.Sub(float64(len(s.files)))
	s.files = nil
	return err
}
