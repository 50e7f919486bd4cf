package disk

import (
	"fmt"

	"github.com/downfa11-org/seglog/pkg/types"
)

// LogCursor reads entries in index order across segment boundaries. It
// never holds the log lock while reading and stops at the last flushed
// entry; a later Next picks up entries flushed since.
type LogCursor struct {
	log     *SegmentedLog
	next    int64
	segment *SegmentFile
	cursor  *EntryCursor
	entry   types.EntryRecord
	err     error
	closed  bool
}

func (c *LogCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}

	for {
		if c.next > c.log.AppendIndex() {
			return false
		}

		// A truncation or skip may have moved the index to a newer segment
		// since the last call.
		seg, ok := c.log.segments.SegmentFor(c.next)
		if !ok {
			c.err = fmt.Errorf("%w: no segment holds %d", ErrInvalidIndex, c.next)
			return false
		}
		if c.cursor != nil && seg != c.segment {
			c.release()
		}
		if c.cursor == nil {
			cur, err := seg.Reader(c.next)
			if err != nil {
				c.err = err
				return false
			}
			c.segment, c.cursor = seg, cur
		}

		if c.cursor.Next() {
			e := c.cursor.Entry()
			if e.Index != c.next {
				c.err = fmt.Errorf("%w: expected index %d in %s, found %d", ErrCorruptRecord, c.next, c.segment.Filename(), e.Index)
				return false
			}
			c.entry = e
			c.next++
			return true
		}
		if err := c.cursor.Err(); err != nil {
			c.err = err
			return false
		}

		// Out of flushed data. Continue only if a rotation handed the next
		// index to another segment meanwhile.
		if seg, ok := c.log.segments.SegmentFor(c.next); ok && seg == c.segment {
			if c.cursor.Empty() {
				c.release()
			}
			return false
		}
		c.release()
	}
}

func (c *LogCursor) release() {
	if c.cursor != nil {
		_ = c.cursor.Close()
	}
	c.cursor, c.segment = nil, nil
}

// Entry returns the entry read by the last successful Next.
func (c *LogCursor) Entry() types.EntryRecord {
	return c.entry
}

func (c *LogCursor) Err() error {
	return c.err
}

// NextIndex is the index the cursor reads next.
func (c *LogCursor) NextIndex() int64 {
	return c.next
}

// Close releases the segment held by the cursor. It is idempotent.
func (c *LogCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.release()
	return nil
}
