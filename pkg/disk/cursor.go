package disk

import (
	"errors"

	"github.com/downfa11-org/seglog/pkg/metrics"
	"github.com/downfa11-org/seglog/pkg/types"
)

type cursorState int

const (
	cursorOpen cursorState = iota
	cursorEmpty
	cursorClosed
)

// EntryCursor reads the entries of one segment in increasing index order.
// An open cursor holds one reference on its segment and one pooled reader
// until Close, which must be called exactly once.
type EntryCursor struct {
	segment  *SegmentFile
	reader   *Reader
	position types.LogPosition
	entry    types.EntryRecord
	err      error
	state    cursorState
}

func newEntryCursor(s *SegmentFile, r *Reader, pos types.LogPosition) *EntryCursor {
	return &EntryCursor{segment: s, reader: r, position: pos, state: cursorOpen}
}

// emptyCursor is returned when the requested index lies beyond what the
// segment currently holds. It owns no resources.
func emptyCursor() *EntryCursor {
	return &EntryCursor{state: cursorEmpty}
}

// Next decodes the next entry. It returns false at the end of the flushed
// data or on error; a later call may return entries flushed since.
func (c *EntryCursor) Next() bool {
	if c.state != cursorOpen || c.err != nil {
		return false
	}

	rec, n, err := readRecord(c.reader.buf, c.segment.marshal)
	if err != nil {
		if errors.Is(err, ErrReadPastEnd) {
			// Drop the partial read so the next call starts on a record boundary.
			if serr := c.reader.seek(c.position.ByteOffset); serr != nil {
				c.err = serr
			}
			return false
		}
		c.err = err
		return false
	}

	c.entry = rec
	c.position.LogIndex++
	c.position.ByteOffset += int64(n)
	return true
}

// Entry returns the entry decoded by the last successful Next.
func (c *EntryCursor) Entry() types.EntryRecord {
	return c.entry
}

func (c *EntryCursor) Err() error {
	return c.err
}

// Position is where the next record of the cursor starts.
func (c *EntryCursor) Position() types.LogPosition {
	return c.position
}

func (c *EntryCursor) Empty() bool {
	return c.state == cursorEmpty
}

// Close publishes the cursor position to the segment's position cache,
// returns the reader to the pool and releases the segment reference.
// Closing twice corrupts reference accounting and panics.
func (c *EntryCursor) Close() error {
	switch c.state {
	case cursorClosed:
		panic("entry cursor already closed")
	case cursorEmpty:
		c.state = cursorClosed
		return nil
	}

	c.state = cursorClosed
	s := c.segment
	s.positionCache.Put(c.position)
	s.pool.Release(c.reader)
	c.reader = nil
	s.refCount.Decrease()
	metrics.OpenCursors.Dec()
	return nil
}
