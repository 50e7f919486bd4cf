package disk

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultReaderPoolSize = 8
	readAheadSize         = 64 * 1024
)

// Reader is a read-only file handle bound to one segment version. It is
// owned by exactly one cursor between Acquire and Release.
type Reader struct {
	version  uint64
	file     File
	buf      *bufio.Reader
	lastUsed time.Time
}

func (r *Reader) Version() uint64 {
	return r.version
}

func (r *Reader) seek(offset int64) error {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek reader to %d: %w", offset, err)
	}
	r.buf.Reset(r.file)
	return nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// ReaderPool keeps released readers open so later cursors on the same
// segment version can reuse them.
type ReaderPool struct {
	mu      sync.Mutex
	fs      FileSystem
	maxSize int
	pool    []*Reader
	leased  map[uint64]int      // readers handed out and not yet released, per version
	retired map[uint64]struct{} // pruned versions that still have leased readers
	closed  bool
	logger  *zap.Logger
}

func NewReaderPool(fs FileSystem, maxSize int, logger *zap.Logger) *ReaderPool {
	if maxSize <= 0 {
		maxSize = defaultReaderPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReaderPool{
		fs:      fs,
		maxSize: maxSize,
		leased:  make(map[uint64]int),
		retired: make(map[uint64]struct{}),
		logger:  logger,
	}
}

// Acquire returns a reader for the segment at path positioned at offset.
func (p *ReaderPool) Acquire(version uint64, path string, offset int64) (*Reader, error) {
	r := p.take(version)
	if r == nil {
		f, err := p.fs.OpenRead(path)
		if err != nil {
			return nil, fmt.Errorf("open reader for %s: %w", path, err)
		}
		r = &Reader{version: version, file: f, buf: bufio.NewReaderSize(f, readAheadSize)}
	}

	if err := r.seek(offset); err != nil {
		if cerr := r.Close(); cerr != nil {
			p.logger.Warn("Failed to close reader", zap.Error(cerr), zap.String("path", path))
		}
		return nil, err
	}

	p.mu.Lock()
	p.leased[version]++
	p.mu.Unlock()
	return r, nil
}

func (p *ReaderPool) take(version uint64) *Reader {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.pool) - 1; i >= 0; i-- {
		if r := p.pool[i]; r.version == version {
			p.pool = append(p.pool[:i], p.pool[i+1:]...)
			metrics.PooledReaders.Dec()
			return r
		}
	}
	return nil
}

// Release hands a reader back. Readers of retired versions are closed.
func (p *ReaderPool) Release(r *Reader) {
	var evicted []*Reader

	p.mu.Lock()
	_, retired := p.retired[r.version]
	p.returnLeaseLocked(r.version)
	if retired || p.closed {
		evicted = append(evicted, r)
	} else {
		r.lastUsed = time.Now()
		p.pool = append(p.pool, r)
		metrics.PooledReaders.Inc()
		for len(p.pool) > p.maxSize {
			evicted = append(evicted, p.pool[0])
			p.pool = p.pool[1:]
			metrics.PooledReaders.Dec()
		}
	}
	p.mu.Unlock()

	p.closeAll(evicted)
}

// Discard closes a leased reader whose position can no longer be trusted.
func (p *ReaderPool) Discard(r *Reader) {
	p.mu.Lock()
	p.returnLeaseLocked(r.version)
	p.mu.Unlock()

	p.closeAll([]*Reader{r})
}

func (p *ReaderPool) returnLeaseLocked(version uint64) {
	if p.leased[version]--; p.leased[version] <= 0 {
		delete(p.leased, version)
		delete(p.retired, version)
	}
}

// Prune drops every pooled reader of a version and retires the version so
// readers still leased are closed on release instead of pooled. The version
// is forgotten once its last leased reader comes back.
func (p *ReaderPool) Prune(version uint64) {
	p.mu.Lock()
	if p.leased[version] > 0 {
		p.retired[version] = struct{}{}
	}
	evicted := p.removeLocked(func(r *Reader) bool { return r.version == version })
	p.mu.Unlock()

	p.closeAll(evicted)
}

// PruneOlderThan closes readers that have been idle longer than maxAge.
func (p *ReaderPool) PruneOlderThan(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	evicted := p.removeLocked(func(r *Reader) bool { return r.lastUsed.Before(cutoff) })
	p.mu.Unlock()

	p.closeAll(evicted)
	return len(evicted)
}

// Retired returns the number of pruned versions still waiting on leased readers.
func (p *ReaderPool) Retired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retired)
}

// Len returns the number of idle pooled readers.
func (p *ReaderPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pool)
}

func (p *ReaderPool) Close() error {
	p.mu.Lock()
	p.closed = true
	evicted := p.removeLocked(func(*Reader) bool { return true })
	p.mu.Unlock()

	var err error
	for _, r := range evicted {
		err = multierr.Append(err, r.Close())
	}
	return err
}

func (p *ReaderPool) removeLocked(match func(*Reader) bool) []*Reader {
	var evicted []*Reader
	kept := p.pool[:0]
	for _, r := range p.pool {
		if match(r) {
			evicted = append(evicted, r)
		} else {
			kept = append(kept, r)
		}
	}
	for i := len(kept); i < len(p.pool); i++ {
		p.pool[i] = nil
	}
	p.pool = kept
	metrics.PooledReaders.Sub(float64(len(evicted)))
	return evicted
}

func (p *ReaderPool) closeAll(readers []*Reader) {
	for _, r := range readers {
		if err := r.Close(); err != nil {
			p.logger.Warn("Failed to close pooled reader", zap.Error(err), zap.Uint64("version", r.version))
		}
	}
}
