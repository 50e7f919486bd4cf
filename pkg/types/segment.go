package types

import "fmt"

// SegmentHeaderSize is the encoded size of SegmentHeader.
const SegmentHeaderSize = 32

// SegmentHeader is written once at the start of every segment file.
// The first entry stored in the segment has index PrevIndex+1.
type SegmentHeader struct {
	PrevFileLastIndex int64
	Version           uint64
	PrevIndex         int64
	PrevTerm          int64
}

func (h SegmentHeader) String() string {
	return fmt.Sprintf("SegmentHeader{version=%d, prevFileLastIndex=%d, prevIndex=%d, prevTerm=%d}",
		h.Version, h.PrevFileLastIndex, h.PrevIndex, h.PrevTerm)
}

// LogPosition correlates an offset index within a segment with the byte
// offset of that entry's record.
type LogPosition struct {
	LogIndex   int64
	ByteOffset int64
}

// StartPosition is the position of the first record of any segment.
var StartPosition = LogPosition{LogIndex: 0, ByteOffset: SegmentHeaderSize}
