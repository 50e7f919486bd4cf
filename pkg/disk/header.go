package disk

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
	"golang.org/x/exp/mmap"
)

// HeaderMarshal encodes SegmentHeader as four big-endian 64-bit fields.
// It holds no state and is safe for concurrent use.
type HeaderMarshal struct{}

var _ types.ChannelMarshal[types.SegmentHeader] = HeaderMarshal{}

func (HeaderMarshal) Marshal(h types.SegmentHeader, w io.Writer) error {
	var buf [types.SegmentHeaderSize]byte
	encodeHeader(buf[:], h)
	_, err := w.Write(buf[:])
	return err
}

func (HeaderMarshal) Unmarshal(r io.Reader) (types.SegmentHeader, error) {
	var buf [types.SegmentHeaderSize]byte
	if err := util.ReadFull(r, buf[:]); err != nil {
		if err == util.ErrShortRead {
			return types.SegmentHeader{}, ErrCorruptHeader
		}
		return types.SegmentHeader{}, err
	}
	return decodeHeader(buf[:]), nil
}

func encodeHeader(buf []byte, h types.SegmentHeader) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.PrevFileLastIndex))
	binary.BigEndian.PutUint64(buf[8:16], h.Version)
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.PrevIndex))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.PrevTerm))
}

func decodeHeader(buf []byte) types.SegmentHeader {
	return types.SegmentHeader{
		PrevFileLastIndex: int64(binary.BigEndian.Uint64(buf[0:8])),
		Version:           binary.BigEndian.Uint64(buf[8:16]),
		PrevIndex:         int64(binary.BigEndian.Uint64(buf[16:24])),
		PrevTerm:          int64(binary.BigEndian.Uint64(buf[24:32])),
	}
}

// ReadHeaderFile maps the start of a segment file and decodes its header
// without reading the rest of the file.
func ReadHeaderFile(path string) (types.SegmentHeader, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return types.SegmentHeader{}, fmt.Errorf("mmap %s: %w", path, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			util.Error("failed to unmap %s: %v", path, err)
		}
	}()

	if r.Len() < types.SegmentHeaderSize {
		return types.SegmentHeader{}, fmt.Errorf("%w: %s has %d bytes", ErrCorruptHeader, path, r.Len())
	}
	var buf [types.SegmentHeaderSize]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return types.SegmentHeader{}, fmt.Errorf("read header %s: %w", path, err)
	}
	return decodeHeader(buf[:]), nil
}

// readHeader reads the header through the FileSystem, for non-OS file systems.
func readHeader(fs FileSystem, path string) (types.SegmentHeader, error) {
	if _, ok := fs.(OSFileSystem); ok {
		return ReadHeaderFile(path)
	}
	f, err := fs.OpenRead(path)
	if err != nil {
		return types.SegmentHeader{}, err
	}
	defer f.Close()
	return HeaderMarshal{}.Unmarshal(f)
}
