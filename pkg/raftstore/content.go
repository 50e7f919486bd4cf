// Package raftstore backs hashicorp/raft with the segmented log: a LogStore
// over disk.SegmentedLog, a bbolt StableStore and membership sync from raft
// configurations.
package raftstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

// logContent is the part of a raft.Log that is not the index or term.
// The segmented log stores those two in the record header.
type logContent struct {
	Type       raft.LogType
	Data       []byte
	Extensions []byte
	AppendedAt int64 // unix nanoseconds, zero when unset
}

func encodeLog(l *raft.Log) ([]byte, error) {
	c := logContent{
		Type:       l.Type,
		Data:       l.Data,
		Extensions: l.Extensions,
	}
	if !l.AppendedAt.IsZero() {
		c.AppendedAt = l.AppendedAt.UnixNano()
	}

	buf := bytes.NewBuffer(nil)
	hd := codec.MsgpackHandle{}
	if err := codec.NewEncoder(buf, &hd).Encode(&c); err != nil {
		return nil, fmt.Errorf("encode raft log %d: %w", l.Index, err)
	}
	return buf.Bytes(), nil
}

func decodeLog(index, term uint64, content []byte, out *raft.Log) error {
	var c logContent
	hd := codec.MsgpackHandle{}
	if err := codec.NewDecoder(bytes.NewReader(content), &hd).Decode(&c); err != nil {
		return fmt.Errorf("decode raft log %d: %w", index, err)
	}

	out.Index = index
	out.Term = term
	out.Type = c.Type
	out.Data = c.Data
	out.Extensions = c.Extensions
	out.AppendedAt = time.Time{}
	if c.AppendedAt != 0 {
		out.AppendedAt = time.Unix(0, c.AppendedAt)
	}
	return nil
}
