package util

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	snappy "github.com/segmentio/kafka-go/compress/snappy/go-xerial-snappy"
	"go.uber.org/multierr"
)

// ErrUnsupportedCompression is returned for an unknown compression type.
var ErrUnsupportedCompression = errors.New("unsupported compression type")

type contentCodec struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

var contentCodecs = map[string]contentCodec{
	"":       {identity, identity},
	"none":   {identity, identity},
	"gzip":   {gzipCompress, gzipDecompress},
	"snappy": {snappyCompress, snappy.Decode},
	"lz4":    {lz4Compress, lz4Decompress},
}

// CompressContent compresses entry content with the named codec.
func CompressContent(content []byte, compressionType string) ([]byte, error) {
	c, err := lookupCodec(compressionType)
	if err != nil {
		return nil, err
	}
	out, err := c.compress(content)
	if err != nil {
		return nil, fmt.Errorf("%s compress %d bytes: %w", compressionType, len(content), err)
	}
	return out, nil
}

// DecompressContent reverses CompressContent.
func DecompressContent(data []byte, compressionType string) ([]byte, error) {
	c, err := lookupCodec(compressionType)
	if err != nil {
		return nil, err
	}
	out, err := c.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s decompress %d bytes: %w", compressionType, len(data), err)
	}
	return out, nil
}

// ValidCompression reports whether the compression type has a codec.
func ValidCompression(compressionType string) bool {
	_, ok := contentCodecs[compressionType]
	return ok
}

func lookupCodec(compressionType string) (contentCodec, error) {
	c, ok := contentCodecs[compressionType]
	if !ok {
		return contentCodec{}, fmt.Errorf("%w: %q", ErrUnsupportedCompression, compressionType)
	}
	return c, nil
}

func identity(data []byte) ([]byte, error) {
	return data, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, multierr.Append(err, gw.Close())
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) (out []byte, err error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, gr.Close()) }()
	return io.ReadAll(gr)
}

func snappyCompress(data []byte) ([]byte, error) {
	return snappy.Encode(data), nil
}

func lz4Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, multierr.Append(err, zw.Close())
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}
