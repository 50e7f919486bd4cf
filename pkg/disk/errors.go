package disk

import "errors"

var (
	ErrAlreadyExists = errors.New("segment file already exists")
	ErrInvalidIndex  = errors.New("invalid log index")
	ErrDisposed      = errors.New("segment has been disposed")
	ErrSegmentInUse  = errors.New("segment is still referenced")
	ErrCorruptRecord = errors.New("corrupt entry record")
	ErrCorruptHeader = errors.New("corrupt segment header")
	ErrReadPastEnd   = errors.New("read past end of segment")
	ErrClosed        = errors.New("log is closed")
)
