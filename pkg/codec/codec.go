// Package codec provides content marshals for log entries.
package codec

import (
	"fmt"

	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
)

// Raw stores content as-is.
type Raw struct{}

func (Raw) Marshal(content []byte) ([]byte, error) { return content, nil }

func (Raw) Unmarshal(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Compressed wraps another marshal and compresses its output.
type Compressed struct {
	Inner           types.ContentMarshal
	CompressionType string
}

// New returns the content marshal for a configured compression type.
func New(compressionType string) (types.ContentMarshal, error) {
	if !util.ValidCompression(compressionType) {
		return nil, fmt.Errorf("content marshal: %w: %q", util.ErrUnsupportedCompression, compressionType)
	}
	if compressionType == "" || compressionType == "none" {
		return Raw{}, nil
	}
	return Compressed{Inner: Raw{}, CompressionType: compressionType}, nil
}

func (c Compressed) Marshal(content []byte) ([]byte, error) {
	data, err := c.inner().Marshal(content)
	if err != nil {
		return nil, err
	}
	return util.CompressContent(data, c.CompressionType)
}

func (c Compressed) Unmarshal(data []byte) ([]byte, error) {
	raw, err := util.DecompressContent(data, c.CompressionType)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return c.inner().Unmarshal(raw)
}

func (c Compressed) inner() types.ContentMarshal {
	if c.Inner == nil {
		return Raw{}
	}
	return c.Inner
}
