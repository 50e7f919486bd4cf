package disk

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
)

// Record layout: [u32 body length][u64 xxhash of body][body]
// where body is [i64 index][i64 term][content].
const (
	recordPrefixSize = 12
	recordFixedSize  = 16
	maxRecordSize    = 256 << 20
)

func writeRecord(w io.Writer, marshal types.ContentMarshal, index, term int64, content []byte) (int, error) {
	data, err := marshal.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("marshal content of entry %d: %w", index, err)
	}
	if len(data)+recordFixedSize > maxRecordSize {
		return 0, fmt.Errorf("entry %d too large: %d bytes", index, len(data))
	}

	var fixed [recordFixedSize]byte
	binary.BigEndian.PutUint64(fixed[0:8], uint64(index))
	binary.BigEndian.PutUint64(fixed[8:16], uint64(term))

	var prefix [recordPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[0:4], uint32(recordFixedSize+len(data)))
	binary.BigEndian.PutUint64(prefix[4:12], util.Checksum(fixed[:], data))

	if _, err := w.Write(prefix[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(fixed[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	return recordPrefixSize + recordFixedSize + len(data), nil
}

// readRecordBody reads one framed record and returns its verified body and
// encoded size. A record cut short by the end of the file is ErrReadPastEnd.
func readRecordBody(r io.Reader) ([]byte, int, error) {
	var prefix [recordPrefixSize]byte
	if err := util.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, mapShortRead(err)
	}

	length := binary.BigEndian.Uint32(prefix[0:4])
	if length < recordFixedSize || length > maxRecordSize {
		return nil, 0, fmt.Errorf("%w: body length %d", ErrCorruptRecord, length)
	}

	body := make([]byte, length)
	if err := util.ReadFull(r, body); err != nil {
		return nil, 0, mapShortRead(err)
	}
	if sum := util.Checksum(body[:recordFixedSize], body[recordFixedSize:]); sum != binary.BigEndian.Uint64(prefix[4:12]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return body, recordPrefixSize + int(length), nil
}

func readRecord(r io.Reader, marshal types.ContentMarshal) (types.EntryRecord, int, error) {
	body, n, err := readRecordBody(r)
	if err != nil {
		return types.EntryRecord{}, 0, err
	}
	content, err := marshal.Unmarshal(body[recordFixedSize:])
	if err != nil {
		return types.EntryRecord{}, 0, fmt.Errorf("unmarshal content: %w", err)
	}
	return types.EntryRecord{
		Index:   int64(binary.BigEndian.Uint64(body[0:8])),
		Term:    int64(binary.BigEndian.Uint64(body[8:16])),
		Content: content,
	}, n, nil
}

// skipRecord advances past one record and returns its term and size.
func skipRecord(r io.Reader) (int64, int, error) {
	body, n, err := readRecordBody(r)
	if err != nil {
		return 0, 0, err
	}
	return int64(binary.BigEndian.Uint64(body[8:16])), n, nil
}

func mapShortRead(err error) error {
	if err == util.ErrShortRead {
		return ErrReadPastEnd
	}
	return err
}
