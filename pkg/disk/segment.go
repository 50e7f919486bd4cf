package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/downfa11-org/seglog/pkg/codec"
	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const writeBufferSize = 64 * 1024

// SegmentFileConfig holds what every segment of a log shares.
type SegmentFileConfig struct {
	FS        FileSystem
	Pool      *ReaderPool
	Marshal   types.ContentMarshal
	CacheSize int
	Fsync     bool
	// ScanStats, if set, observes how many entries a reader skips past the
	// cached checkpoint before reaching the requested index.
	ScanStats prometheus.Observer
	Logger    *zap.Logger
}

func (c SegmentFileConfig) withDefaults() SegmentFileConfig {
	if c.FS == nil {
		c.FS = OSFileSystem{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Pool == nil {
		c.Pool = NewReaderPool(c.FS, defaultReaderPoolSize, c.Logger)
	}
	if c.Marshal == nil {
		c.Marshal = codec.Raw{}
	}
	return c
}

// SegmentFile is one segment of the log: a header followed by a consecutive
// run of entries. Appends go through a single buffered writer; any number of
// cursors read concurrently through their own pooled readers.
type SegmentFile struct {
	fs        FileSystem
	path      string
	pool      *ReaderPool
	marshal   types.ContentMarshal
	fsync     bool
	scanStats prometheus.Observer
	logger    *zap.Logger

	header        types.SegmentHeader
	version       uint64
	positionCache *PositionCache
	refCount      ReferenceCounter
	createdAt     time.Time

	mu         sync.Mutex // writerFile, writer, writePos
	writerFile File
	writer     *bufio.Writer
	writePos   int64
}

func newSegmentFile(cfg SegmentFileConfig, path string, version uint64, header types.SegmentHeader) *SegmentFile {
	cfg = cfg.withDefaults()
	return &SegmentFile{
		fs:            cfg.FS,
		path:          path,
		pool:          cfg.Pool,
		marshal:       cfg.Marshal,
		fsync:         cfg.Fsync,
		scanStats:     cfg.ScanStats,
		logger:        cfg.Logger.With(zap.String("segment", filepath.Base(path))),
		header:        header,
		version:       version,
		positionCache: NewPositionCache(cfg.CacheSize),
		createdAt:     time.Now(),
	}
}

// CreateSegmentFile creates a new segment file, writes its header and
// returns it open for writing.
func CreateSegmentFile(cfg SegmentFileConfig, path string, version uint64, header types.SegmentHeader) (*SegmentFile, error) {
	cfg = cfg.withDefaults()
	if fileExists(cfg.FS, path) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}

	s := newSegmentFile(cfg, path, version, header)
	f, err := cfg.FS.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refCount.Increase()
	s.writerFile = f
	s.writer = bufio.NewWriterSize(f, writeBufferSize)
	if err := (HeaderMarshal{}).Marshal(header, s.writer); err != nil {
		_ = s.closeWriterLocked()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	s.writePos = types.SegmentHeaderSize
	if err := s.flushLocked(); err != nil {
		_ = s.closeWriterLocked()
		return nil, err
	}
	return s, nil
}

// OpenSegmentFile wraps a segment file that already exists on disk. A
// writer is opened lazily on the first append.
func OpenSegmentFile(cfg SegmentFileConfig, path string, version uint64, header types.SegmentHeader) *SegmentFile {
	return newSegmentFile(cfg, path, version, header)
}

// Reader returns a cursor positioned at logIndex. If the segment does not
// hold logIndex yet, the cursor is empty. The cursor must be closed.
func (s *SegmentFile) Reader(logIndex int64) (*EntryCursor, error) {
	if logIndex <= s.header.PrevIndex {
		return nil, fmt.Errorf("%w: %d is not after prevIndex %d of segment %d", ErrInvalidIndex, logIndex, s.header.PrevIndex, s.version)
	}
	if !s.refCount.Increase() {
		return nil, fmt.Errorf("%w: version %d", ErrDisposed, s.version)
	}

	// Relative index within the file, starting from zero.
	offsetIndex := logIndex - (s.header.PrevIndex + 1)

	position := s.positionCache.Lookup(offsetIndex)
	reader, err := s.pool.Acquire(s.version, s.path, position.ByteOffset)
	if err != nil {
		s.refCount.Decrease()
		return nil, err
	}
	if s.scanStats != nil {
		s.scanStats.Observe(float64(offsetIndex - position.LogIndex))
	}

	// The cache may give an earlier position; scan forward to the exact one.
	for position.LogIndex < offsetIndex {
		_, n, err := skipRecord(reader.buf)
		if err != nil {
			if errors.Is(err, ErrReadPastEnd) {
				s.positionCache.Put(position)
				s.pool.Release(reader)
				s.refCount.Decrease()
				return emptyCursor(), nil
			}
			s.pool.Discard(reader)
			s.refCount.Decrease()
			return nil, fmt.Errorf("scan segment %d to index %d: %w", s.version, logIndex, err)
		}
		position.LogIndex++
		position.ByteOffset += int64(n)
	}

	metrics.OpenCursors.Inc()
	return newEntryCursor(s, reader, position), nil
}

func (s *SegmentFile) getOrCreateWriterLocked() (*bufio.Writer, error) {
	if s.writer != nil {
		return s.writer, nil
	}
	if !s.refCount.Increase() {
		return nil, fmt.Errorf("%w: writer of version %d has been closed", ErrDisposed, s.version)
	}

	f, err := s.fs.OpenWrite(s.path)
	if err != nil {
		s.refCount.Decrease()
		return nil, fmt.Errorf("open writer %s: %w", s.path, err)
	}
	pos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		s.refCount.Decrease()
		return nil, multierr.Append(fmt.Errorf("seek writer %s: %w", s.path, err), f.Close())
	}

	s.writerFile = f
	s.writer = bufio.NewWriterSize(f, writeBufferSize)
	s.writePos = pos
	return s.writer, nil
}

// Write appends one entry to the writer buffer. Index ordering is the
// caller's contract.
func (s *SegmentFile) Write(logIndex, term int64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.getOrCreateWriterLocked()
	if err != nil {
		return err
	}
	n, err := writeRecord(w, s.marshal, logIndex, term, content)
	if err != nil {
		return fmt.Errorf("append entry %d to segment %d: %w", logIndex, s.version, err)
	}
	s.writePos += int64(n)
	return nil
}

// Flush forces buffered entries to stable storage.
func (s *SegmentFile) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *SegmentFile) flushLocked() error {
	if s.writer == nil {
		return nil
	}
	start := time.Now()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush segment %d: %w", s.version, err)
	}
	if s.fsync {
		if err := syncFile(s.writerFile); err != nil {
			return fmt.Errorf("sync segment %d: %w", s.version, err)
		}
	}
	metrics.ObserveFlush(time.Since(start).Seconds())
	return nil
}

// Position is the byte offset at which the next entry will be written.
func (s *SegmentFile) Position() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getOrCreateWriterLocked(); err != nil {
		return 0, err
	}
	return s.writePos, nil
}

// CloseWriter flushes and closes the writer, keeping the segment readable.
// It is idempotent.
func (s *SegmentFile) CloseWriter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *SegmentFile) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := multierr.Append(s.flushLocked(), s.writerFile.Close())
	if err != nil {
		s.logger.Error("Failed to close writer", zap.Error(err), zap.String("path", s.path))
	}
	s.writer = nil
	s.writerFile = nil
	s.refCount.Decrease()
	return err
}

// TryClose closes the writer and disposes the segment if no cursor is open.
// On false the segment stays readable and the caller should retry later. A
// writer that fails to flush or close also leaves the segment in place for
// this call.
func (s *SegmentFile) TryClose() bool {
	if err := s.CloseWriter(); err != nil {
		return false
	}
	if !s.refCount.TryDispose() {
		return false
	}
	s.pool.Prune(s.version)
	s.logger.Debug("Segment disposed", zap.Uint64("version", s.version))
	return true
}

// Close is used at shutdown. A cursor still open at this point means the
// owner is shutting down under its readers, which is a bug, so it panics.
func (s *SegmentFile) Close() error {
	err := s.CloseWriter()
	if s.refCount.Disposed() {
		return err
	}
	if !s.refCount.TryDispose() {
		panic(fmt.Sprintf("segment still referenced. Value: %d", s.refCount.Get()))
	}
	s.pool.Prune(s.version)
	return err
}

// Delete removes the segment file. The segment must be disposed first.
func (s *SegmentFile) Delete() error {
	if !s.refCount.Disposed() {
		return fmt.Errorf("%w: %s", ErrSegmentInUse, s.path)
	}
	if err := s.fs.Remove(s.path); err != nil {
		return fmt.Errorf("delete segment %s: %w", s.path, err)
	}
	return nil
}

func (s *SegmentFile) Header() types.SegmentHeader {
	return s.header
}

func (s *SegmentFile) Version() uint64 {
	return s.version
}

func (s *SegmentFile) Path() string {
	return s.path
}

func (s *SegmentFile) Filename() string {
	return filepath.Base(s.path)
}

func (s *SegmentFile) Size() (int64, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ModTime is the last modification time of the file on disk.
func (s *SegmentFile) ModTime() (time.Time, error) {
	info, err := s.fs.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// CreatedAt is when this process created or opened the segment.
func (s *SegmentFile) CreatedAt() time.Time {
	return s.createdAt
}

// References reports outstanding holders, for diagnostics.
func (s *SegmentFile) References() int64 {
	return s.refCount.Get()
}

func (s *SegmentFile) String() string {
	return fmt.Sprintf("SegmentFile{file=%s, header=%s}", s.Filename(), s.header)
}
