package disk

import (
	"time"

	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/util"
)

// RetentionPolicy bounds how much of the log stays on disk. Segments are
// only ever removed oldest first, never the newest MinSegments, and never
// while they hold an index the caller still needs.
type RetentionPolicy struct {
	MinSegments int
	// MaxBytes caps the total size of the log, negative disables it.
	MaxBytes int64
	// MaxAge expires segments by modification time, zero disables it.
	MaxAge time.Duration
}

func RetentionPolicyFromConfig(cfg *config.Config) RetentionPolicy {
	return RetentionPolicy{
		MinSegments: cfg.RetentionMinSegments,
		MaxBytes:    cfg.RetentionBytes,
		MaxAge:      cfg.RetentionAge(),
	}
}

type segmentStat struct {
	version uint64
	size    int64
	modTime time.Time
}

// prunableBefore returns how many of the oldest candidates the policy
// allows removing. candidates excludes segments the caller must keep.
func (p RetentionPolicy) prunableBefore(candidates []segmentStat, totalSize int64, now time.Time) int {
	n := 0
	for _, seg := range candidates {
		expired := p.MaxAge > 0 && now.Sub(seg.modTime) > p.MaxAge
		overCapacity := p.MaxBytes > 0 && totalSize > p.MaxBytes
		if !expired && !overCapacity {
			break
		}
		totalSize -= seg.size
		n++
	}
	return n
}

// retentionLoop enforces the policy and drops idle readers until the log
// is closed.
func (l *SegmentedLog) retentionLoop(interval, readerMaxIdle time.Duration, safeIndex func() int64) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pruned := l.EnforceRetention(safeIndex()); pruned > 0 {
				util.Debug("Retention: pruned %d segments of %s", pruned, l.dir)
			}
			if readerMaxIdle > 0 {
				if closed := l.pool.PruneOlderThan(readerMaxIdle); closed > 0 {
					util.Debug("Retention: closed %d idle readers of %s", closed, l.dir)
				}
			}
		case <-l.done:
			return
		}
	}
}
