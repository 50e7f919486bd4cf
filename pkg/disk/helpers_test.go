package disk_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errInjected = errors.New("injected failure")

func entryContent(index int64) []byte {
	return []byte(fmt.Sprintf("entry-%d", index))
}

func newTestSegment(t *testing.T, cfg disk.SegmentFileConfig, prevIndex int64) *disk.SegmentFile {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	path := filepath.Join(t.TempDir(), "raft_segment_00000000000000000000.log")
	seg, err := disk.CreateSegmentFile(cfg, path, 0, types.SegmentHeader{PrevIndex: prevIndex, PrevTerm: 1})
	require.NoError(t, err)
	return seg
}

// writeEntries appends count entries after from-1 with term index/10 and flushes.
func writeEntries(t *testing.T, seg *disk.SegmentFile, from int64, count int) {
	t.Helper()
	for i := int64(0); i < int64(count); i++ {
		index := from + i
		require.NoError(t, seg.Write(index, index/10, entryContent(index)))
	}
	require.NoError(t, seg.Flush())
}

func readAll(t *testing.T, c *disk.EntryCursor) []types.EntryRecord {
	t.Helper()
	var out []types.EntryRecord
	for c.Next() {
		out = append(out, c.Entry())
	}
	require.NoError(t, c.Err())
	return out
}

func appendLogEntries(t *testing.T, l *disk.SegmentedLog, count int, term int64) int64 {
	t.Helper()
	entries := make([]types.LogEntry, count)
	next := l.AppendIndex() + 1
	for i := range entries {
		entries[i] = types.LogEntry{Term: term, Content: entryContent(next + int64(i))}
	}
	last, err := l.Append(entries...)
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	return last
}

func readLog(t *testing.T, l *disk.SegmentedLog, from int64) []types.EntryRecord {
	t.Helper()
	c, err := l.Reader(from)
	require.NoError(t, err)
	defer c.Close()

	var out []types.EntryRecord
	for c.Next() {
		out = append(out, c.Entry())
	}
	require.NoError(t, c.Err())
	return out
}

// seekFailFS opens readers whose Seek always fails.
type seekFailFS struct {
	disk.OSFileSystem
}

func (fs seekFailFS) OpenRead(path string) (disk.File, error) {
	f, err := fs.OSFileSystem.OpenRead(path)
	if err != nil {
		return nil, err
	}
	return &seekFailFile{File: f}, nil
}

type seekFailFile struct {
	disk.File
}

func (f *seekFailFile) Seek(int64, int) (int64, error) {
	return 0, errInjected
}

// closeFailFS creates files whose Close reports a failure after closing.
type closeFailFS struct {
	disk.OSFileSystem
}

func (fs closeFailFS) Create(path string) (disk.File, error) {
	f, err := fs.OSFileSystem.Create(path)
	if err != nil {
		return nil, err
	}
	return &closeFailFile{File: f}, nil
}

type closeFailFile struct {
	disk.File
}

func (f *closeFailFile) Close() error {
	_ = f.File.Close()
	return errInjected
}
