package disk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/downfa11-org/seglog/pkg/codec"
	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Option configures a SegmentedLog.
type Option func(*SegmentedLog)

func WithLogger(logger *zap.Logger) Option {
	return func(l *SegmentedLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithFileSystem(fs FileSystem) Option {
	return func(l *SegmentedLog) {
		if fs != nil {
			l.fs = fs
		}
	}
}

// WithRetentionPolicy overrides the policy derived from the configuration.
func WithRetentionPolicy(p RetentionPolicy) Option {
	return func(l *SegmentedLog) {
		l.policy = p
	}
}

// SegmentedLog is an append-only log of entries spread over segment files.
// One writer appends while any number of cursors read. Entries are indexed
// from prevIndex+1 through appendIndex.
type SegmentedLog struct {
	dir     string
	cfg     *config.Config
	marshal types.ContentMarshal
	fs      FileSystem
	logger  *zap.Logger
	policy  RetentionPolicy

	pool     *ReaderPool
	segments *Segments

	writeMu sync.Mutex // serializes appends, truncation, skips and rotation

	mu          sync.RWMutex // guards the fields below
	prevIndex   int64
	prevTerm    int64
	appendIndex int64
	appendTerm  int64
	closed      bool

	retentionOnce sync.Once
	done          chan struct{}
	wg            sync.WaitGroup
}

// Open recovers the log stored in dir, creating it if needed. A nil
// marshal selects the codec named by cfg.CompressionType.
func Open(dir string, cfg *config.Config, marshal types.ContentMarshal, opts ...Option) (*SegmentedLog, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if marshal == nil {
		m, err := codec.New(cfg.CompressionType)
		if err != nil {
			return nil, err
		}
		marshal = m
	}

	l := &SegmentedLog{
		dir:     dir,
		cfg:     cfg,
		marshal: marshal,
		fs:      OSFileSystem{},
		logger:  zap.NewNop(),
		policy:  RetentionPolicyFromConfig(cfg),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("log", dir))

	if err := l.fs.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	l.pool = NewReaderPool(l.fs, cfg.ReaderPoolSize, l.logger)
	segCfg := SegmentFileConfig{
		FS:        l.fs,
		Pool:      l.pool,
		Marshal:   marshal,
		CacheSize: cfg.PositionCacheSize,
		Fsync:     cfg.FsyncOnFlush,
		ScanStats: metrics.ScanDistance,
		Logger:    l.logger,
	}
	segments, state, err := recoverSegments(segCfg, FileNames{Dir: dir})
	if err != nil {
		return nil, multierr.Append(err, l.pool.Close())
	}

	l.segments = segments
	l.prevIndex = state.prevIndex
	l.prevTerm = state.prevTerm
	l.appendIndex = state.appendIndex
	l.appendTerm = state.appendTerm
	return l, nil
}

// Append writes entries at appendIndex+1 onwards and returns the new
// appendIndex. Entries become visible to new cursors once flushed.
func (l *SegmentedLog) Append(entries ...types.LogEntry) (int64, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	closed, index := l.closed, l.appendIndex
	l.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	for _, e := range entries {
		seg := l.segments.Last()
		index++
		if err := seg.Write(index, e.Term, e.Content); err != nil {
			return l.AppendIndex(), err
		}
		l.setAppended(index, e.Term)
		metrics.EntriesAppended.Inc()

		if err := l.maybeRotate(seg, index, e.Term); err != nil {
			return index, err
		}
	}
	return index, nil
}

func (l *SegmentedLog) setAppended(index, term int64) {
	l.mu.Lock()
	l.appendIndex = index
	l.appendTerm = term
	l.mu.Unlock()
}

func (l *SegmentedLog) maybeRotate(seg *SegmentFile, index, term int64) error {
	pos, err := seg.Position()
	if err != nil {
		return err
	}
	rollTime := l.cfg.SegmentRollTime()
	sizeDue := pos >= l.cfg.SegmentSize
	timeDue := rollTime > 0 && time.Since(seg.CreatedAt()) >= rollTime
	if !sizeDue && !timeDue {
		return nil
	}

	if _, err := l.segments.Rotate(index, index, term); err != nil {
		return fmt.Errorf("rotate after %d: %w", index, err)
	}
	l.logger.Debug("Rotated segment", zap.Int64("prevIndex", index), zap.Int64("bytes", pos), zap.Bool("timeBased", timeDue && !sizeDue))
	return nil
}

// Flush makes every appended entry durable and visible to readers.
func (l *SegmentedLog) Flush() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.isClosed() {
		return ErrClosed
	}
	return l.segments.Last().Flush()
}

// Truncate discards every entry from fromIndex onwards.
func (l *SegmentedLog) Truncate(fromIndex int64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.isClosed() {
		return ErrClosed
	}
	prevIndex, appendIndex := l.PrevIndex(), l.AppendIndex()
	if fromIndex > appendIndex+1 || fromIndex <= prevIndex {
		return fmt.Errorf("%w: cannot truncate from %d, log holds (%d, %d]", ErrInvalidIndex, fromIndex, prevIndex, appendIndex)
	}
	if fromIndex == appendIndex+1 {
		return nil
	}

	if err := l.segments.Last().Flush(); err != nil {
		return err
	}
	newAppendIndex := fromIndex - 1
	newAppendTerm, err := l.ReadEntryTerm(newAppendIndex)
	if err != nil {
		return err
	}
	if _, err := l.segments.Truncate(appendIndex, newAppendIndex, newAppendTerm); err != nil {
		return fmt.Errorf("truncate from %d: %w", fromIndex, err)
	}
	l.setAppended(newAppendIndex, newAppendTerm)
	l.logger.Info("Truncated log", zap.Int64("fromIndex", fromIndex), zap.Int64("previousAppendIndex", appendIndex))
	return nil
}

// Skip moves the log forward to index with term, discarding everything it
// held. It does nothing if index is not beyond appendIndex.
func (l *SegmentedLog) Skip(index, term int64) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.isClosed() {
		return ErrClosed
	}
	appendIndex := l.AppendIndex()
	if index <= appendIndex {
		return nil
	}
	if err := l.segments.Last().Flush(); err != nil {
		return err
	}
	if _, err := l.segments.Skip(appendIndex, index, term); err != nil {
		return fmt.Errorf("skip to %d: %w", index, err)
	}

	l.mu.Lock()
	l.prevIndex, l.prevTerm = index, term
	l.appendIndex, l.appendTerm = index, term
	l.mu.Unlock()
	l.logger.Info("Skipped log", zap.Int64("index", index), zap.Int64("term", term))
	return nil
}

// Prune removes segments whose entries all precede safeIndex, keeping at
// least the policy's MinSegments. It returns the resulting prevIndex;
// segments with open cursors are left for a later call.
func (l *SegmentedLog) Prune(safeIndex int64) int64 {
	limit, ok := l.pruneLimit(safeIndex)
	if ok {
		l.pruneTo(limit)
	}
	return l.PrevIndex()
}

// EnforceRetention removes the oldest segments that exceed the policy's
// size or age limits, never touching a segment that holds safeIndex or a
// later index. It returns the number of segments deleted.
func (l *SegmentedLog) EnforceRetention(safeIndex int64) int {
	limit, ok := l.pruneLimit(safeIndex)
	if !ok || (l.policy.MaxBytes <= 0 && l.policy.MaxAge <= 0) {
		return 0
	}

	var (
		candidates []segmentStat
		total      int64
	)
	for _, seg := range l.segments.All() {
		size, _ := seg.Size()
		total += size
		if seg.Version() < limit {
			modTime, err := seg.ModTime()
			if err != nil {
				modTime = seg.CreatedAt()
			}
			candidates = append(candidates, segmentStat{version: seg.Version(), size: size, modTime: modTime})
		}
	}

	n := l.policy.prunableBefore(candidates, total, time.Now())
	if n == 0 {
		return 0
	}
	target := limit
	if n < len(candidates) {
		target = candidates[n].version
	}
	return l.pruneTo(target)
}

// pruneLimit returns the lowest version that must survive for safeIndex
// to stay readable and for MinSegments to hold.
func (l *SegmentedLog) pruneLimit(safeIndex int64) (uint64, bool) {
	if l.isClosed() {
		return 0, false
	}
	seg, ok := l.segments.SegmentFor(safeIndex)
	if !ok {
		return 0, false
	}
	limit := seg.Version()

	all := l.segments.All()
	keep := l.policy.MinSegments
	if keep < 1 {
		keep = 1
	}
	if len(all) <= keep {
		return 0, false
	}
	if v := all[len(all)-keep].Version(); v < limit {
		limit = v
	}
	return limit, true
}

func (l *SegmentedLog) pruneTo(version uint64) int {
	pruned := l.segments.PruneUpTo(version)
	if pruned == 0 {
		return 0
	}

	first := l.segments.First().Header()
	l.mu.Lock()
	if first.PrevIndex > l.prevIndex {
		l.prevIndex = first.PrevIndex
		l.prevTerm = first.PrevTerm
	}
	prevIndex := l.prevIndex
	l.mu.Unlock()

	l.logger.Info("Pruned segments", zap.Int("count", pruned), zap.Int64("prevIndex", prevIndex))
	return pruned
}

// StartRetention runs EnforceRetention every RetentionCheckIntervalMS until
// Close. safeIndex reports the lowest index that must stay readable.
func (l *SegmentedLog) StartRetention(safeIndex func() int64) {
	l.retentionOnce.Do(func() {
		l.wg.Add(1)
		go l.retentionLoop(l.cfg.RetentionCheckInterval(), l.cfg.ReaderMaxIdle(), safeIndex)
	})
}

func (l *SegmentedLog) AppendIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.appendIndex
}

func (l *SegmentedLog) PrevIndex() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prevIndex
}

// ReadEntryTerm returns the term of the entry at index, or -1 if the log
// does not hold it.
func (l *SegmentedLog) ReadEntryTerm(index int64) (int64, error) {
	l.mu.RLock()
	prevIndex, prevTerm := l.prevIndex, l.prevTerm
	appendIndex, appendTerm := l.appendIndex, l.appendTerm
	l.mu.RUnlock()

	switch {
	case index == prevIndex:
		return prevTerm, nil
	case index == appendIndex:
		return appendTerm, nil
	case index < prevIndex || index > appendIndex:
		return -1, nil
	}

	c, err := l.Reader(index)
	if err != nil {
		return -1, err
	}
	defer c.Close()
	if !c.Next() {
		return -1, c.Err()
	}
	return c.Entry().Term, nil
}

// Reader returns a cursor over the entries from fromIndex onwards. The
// cursor must be closed. When fromIndex is already flushed, its segment is
// pinned before Reader returns, so a concurrent prune cannot remove it from
// under the cursor.
func (l *SegmentedLog) Reader(fromIndex int64) (*LogCursor, error) {
	for {
		l.mu.RLock()
		closed, prevIndex := l.closed, l.prevIndex
		l.mu.RUnlock()

		if closed {
			return nil, ErrClosed
		}
		if fromIndex <= prevIndex {
			return nil, fmt.Errorf("%w: %d is not after prevIndex %d", ErrInvalidIndex, fromIndex, prevIndex)
		}
		c := &LogCursor{log: l, next: fromIndex}
		if fromIndex > l.AppendIndex() {
			return c, nil
		}

		seg, ok := l.segments.SegmentFor(fromIndex)
		if !ok {
			// A prune removed the segment before prevIndex caught up.
			return nil, fmt.Errorf("%w: %d is not after prevIndex %d", ErrInvalidIndex, fromIndex, l.segments.First().Header().PrevIndex)
		}
		cur, err := seg.Reader(fromIndex)
		if errors.Is(err, ErrDisposed) {
			// Pruned or truncated meanwhile; prevIndex or the segment list has moved.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !cur.Empty() {
			c.segment, c.cursor = seg, cur
		}
		return c, nil
	}
}

// Segments exposes the segment list for inspection.
func (l *SegmentedLog) Segments() *Segments {
	return l.segments
}

func (l *SegmentedLog) Dir() string {
	return l.dir
}

func (l *SegmentedLog) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

// Close flushes the writer and releases every file. All cursors must be
// closed first.
func (l *SegmentedLog) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	err := l.segments.Close()
	return multierr.Append(err, l.pool.Close())
}
