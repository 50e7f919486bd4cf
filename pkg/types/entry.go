package types

import "io"

// EntryRecord is one replicated command with its consensus term.
type EntryRecord struct {
	Index   int64
	Term    int64
	Content []byte
}

// LogEntry is what callers append; the log assigns the index.
type LogEntry struct {
	Term    int64
	Content []byte
}

// ContentMarshal converts entry content to and from the bytes stored in a
// segment. The log never looks inside the content.
type ContentMarshal interface {
	Marshal(content []byte) ([]byte, error)
	Unmarshal(data []byte) ([]byte, error)
}

// ChannelMarshal writes and reads single values of T on a byte stream.
type ChannelMarshal[T any] interface {
	Marshal(v T, w io.Writer) error
	Unmarshal(r io.Reader) (T, error)
}
