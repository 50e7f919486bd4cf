package disk_test

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/pkg/disk"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func smallSegmentConfig() *config.Config {
	cfg := config.Default()
	cfg.SegmentSize = 1024
	cfg.FsyncOnFlush = false
	return cfg
}

func openTestLog(t *testing.T, dir string, cfg *config.Config, opts ...disk.Option) *disk.SegmentedLog {
	t.Helper()
	opts = append([]disk.Option{disk.WithLogger(zaptest.NewLogger(t))}, opts...)
	l, err := disk.Open(dir, cfg, nil, opts...)
	require.NoError(t, err)
	return l
}

func TestSegmentedLog_AppendAndReadAcrossRotations(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()

	assert.Equal(t, int64(0), l.AppendIndex())
	assert.Equal(t, int64(0), l.PrevIndex())

	last := appendLogEntries(t, l, 200, 1)
	require.Equal(t, int64(200), last)
	assert.Greater(t, l.Segments().Len(), 2, "entries should span several segments")

	entries := readLog(t, l, 1)
	require.Len(t, entries, 200)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Index)
		assert.Equal(t, entryContent(e.Index), e.Content)
	}

	tail := readLog(t, l, 150)
	require.Len(t, tail, 51)
	assert.Equal(t, int64(150), tail[0].Index)

	assert.Empty(t, readLog(t, l, 201))
}

func TestSegmentedLog_CursorFollowsNewAppends(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 3, 1)
	c, err := l.Reader(1)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.True(t, c.Next())
	}
	assert.False(t, c.Next())

	// Enough to force a rotation while the cursor sits on the old segment.
	appendLogEntries(t, l, 60, 2)
	var got []int64
	for c.Next() {
		got = append(got, c.Entry().Index)
	}
	require.NoError(t, c.Err())
	require.Len(t, got, 60)
	assert.Equal(t, int64(4), got[0])
	assert.Equal(t, int64(63), got[len(got)-1])
}

func TestSegmentedLog_RecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := smallSegmentConfig()

	l := openTestLog(t, dir, cfg)
	appendLogEntries(t, l, 100, 3)
	segments := l.Segments().Len()
	require.NoError(t, l.Close())

	l = openTestLog(t, dir, cfg)
	defer func() { require.NoError(t, l.Close()) }()

	assert.Equal(t, int64(100), l.AppendIndex())
	assert.Equal(t, int64(0), l.PrevIndex())
	assert.Equal(t, segments, l.Segments().Len())

	term, err := l.ReadEntryTerm(100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), term)

	appendLogEntries(t, l, 5, 4)
	entries := readLog(t, l, 1)
	require.Len(t, entries, 105)
	assert.Equal(t, int64(4), entries[104].Term)
}

func TestSegmentedLog_RepairsTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()

	l := openTestLog(t, dir, cfg)
	appendLogEntries(t, l, 10, 1)
	path := l.Segments().Last().Path()
	require.NoError(t, l.Close())

	before, err := os.Stat(path)
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 40, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l = openTestLog(t, dir, cfg)
	defer func() { require.NoError(t, l.Close()) }()

	assert.Equal(t, int64(10), l.AppendIndex())
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "torn record should be cut off")

	appendLogEntries(t, l, 1, 2)
	entries := readLog(t, l, 1)
	require.Len(t, entries, 11)
	assert.Equal(t, int64(11), entries[10].Index)
}

func TestSegmentedLog_RemovesSegmentWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()

	l := openTestLog(t, dir, cfg)
	appendLogEntries(t, l, 4, 1)
	require.NoError(t, l.Close())

	names := disk.FileNames{Dir: dir}
	require.NoError(t, os.WriteFile(names.Path(1), []byte{0, 0, 0}, 0o644))

	l = openTestLog(t, dir, cfg)
	defer func() { require.NoError(t, l.Close()) }()
	assert.Equal(t, int64(4), l.AppendIndex())
	assert.NoFileExists(t, names.Path(1))
}

func TestSegmentedLog_Truncate(t *testing.T) {
	dir := t.TempDir()
	cfg := smallSegmentConfig()
	l := openTestLog(t, dir, cfg)

	appendLogEntries(t, l, 50, 1)
	require.NoError(t, l.Truncate(30))
	assert.Equal(t, int64(29), l.AppendIndex())
	assert.Empty(t, readLog(t, l, 30))

	appendLogEntries(t, l, 5, 9)

	check := func(l *disk.SegmentedLog) {
		entries := readLog(t, l, 1)
		require.Len(t, entries, 34)
		for _, e := range entries {
			want := int64(1)
			if e.Index >= 30 {
				want = 9
			}
			assert.Equal(t, want, e.Term, "term of %d", e.Index)
		}
		term, err := l.ReadEntryTerm(29)
		require.NoError(t, err)
		assert.Equal(t, int64(1), term)
		term, err = l.ReadEntryTerm(31)
		require.NoError(t, err)
		assert.Equal(t, int64(9), term)
	}
	check(l)

	assert.ErrorIs(t, l.Truncate(0), disk.ErrInvalidIndex)
	assert.ErrorIs(t, l.Truncate(l.AppendIndex()+2), disk.ErrInvalidIndex)
	assert.NoError(t, l.Truncate(l.AppendIndex()+1))

	require.NoError(t, l.Close())
	l = openTestLog(t, dir, cfg)
	defer func() { require.NoError(t, l.Close()) }()
	assert.Equal(t, int64(34), l.AppendIndex())
	check(l)
}

func TestSegmentedLog_Skip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	l := openTestLog(t, dir, cfg)

	appendLogEntries(t, l, 10, 1)
	require.NoError(t, l.Skip(5, 1), "skip behind appendIndex is ignored")
	assert.Equal(t, int64(10), l.AppendIndex())

	require.NoError(t, l.Skip(100, 5))
	assert.Equal(t, int64(100), l.PrevIndex())
	assert.Equal(t, int64(100), l.AppendIndex())

	term, err := l.ReadEntryTerm(100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), term)

	_, err = l.Reader(50)
	assert.ErrorIs(t, err, disk.ErrInvalidIndex)

	appendLogEntries(t, l, 1, 6)
	entries := readLog(t, l, 101)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(101), entries[0].Index)

	require.NoError(t, l.Close())
	l = openTestLog(t, dir, cfg)
	defer func() { require.NoError(t, l.Close()) }()
	assert.Equal(t, int64(100), l.PrevIndex())
	assert.Equal(t, int64(101), l.AppendIndex())
	term, err = l.ReadEntryTerm(100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), term)
}

func TestSegmentedLog_PruneDefersWhileReadersOpen(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 200, 1)
	before := l.Segments().Len()

	c, err := l.Reader(1)
	require.NoError(t, err)
	require.True(t, c.Next())

	assert.Equal(t, int64(0), l.Prune(150), "segment held by a cursor must survive")
	assert.Equal(t, before, l.Segments().Len())

	require.NoError(t, c.Close())

	prev := l.Prune(150)
	assert.Greater(t, prev, int64(0))
	assert.Less(t, prev, int64(150))
	assert.Less(t, l.Segments().Len(), before)

	_, err = l.Reader(prev)
	assert.ErrorIs(t, err, disk.ErrInvalidIndex)
	entries := readLog(t, l, prev+1)
	require.NotEmpty(t, entries)
	assert.Equal(t, prev+1, entries[0].Index)
	assert.Equal(t, int64(200), entries[len(entries)-1].Index)

	for _, seg := range l.Segments().All() {
		assert.FileExists(t, seg.Path())
	}
}

func TestSegmentedLog_ReaderPinsSegmentBeforeFirstNext(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 200, 1)
	c, err := l.Reader(1)
	require.NoError(t, err)

	assert.Equal(t, int64(0), l.Prune(150), "an unread cursor still holds its segment")
	require.True(t, c.Next())
	assert.Equal(t, int64(1), c.Entry().Index)
	require.NoError(t, c.Close())

	assert.Greater(t, l.Prune(150), int64(0))
}

func TestSegmentedLog_ReadersDuringConcurrentPrune(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()
	appendLogEntries(t, l, 3000, 1)

	done := make(chan struct{})
	var pruner errgroup.Group
	pruner.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			l.Prune(l.AppendIndex() - 500)
			time.Sleep(100 * time.Microsecond)
		}
	})

	var readers errgroup.Group
	for r := 0; r < 8; r++ {
		readers.Go(func() error {
			for i := 0; i < 50; i++ {
				from := l.PrevIndex() + 1
				c, err := l.Reader(from)
				if errors.Is(err, disk.ErrInvalidIndex) {
					continue // pruned before the cursor opened
				}
				if err != nil {
					return err
				}
				next := from
				for k := 0; k < 20 && c.Next(); k++ {
					if c.Entry().Index != next {
						_ = c.Close()
						return fmt.Errorf("read index %d, want %d", c.Entry().Index, next)
					}
					next++
				}
				err = c.Err()
				_ = c.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := readers.Wait()
	close(done)
	require.NoError(t, pruner.Wait())
	require.NoError(t, err)
}

func TestSegmentedLog_PruneKeepsMinSegments(t *testing.T) {
	l := openTestLog(t, t.TempDir(), smallSegmentConfig(),
		disk.WithRetentionPolicy(disk.RetentionPolicy{MinSegments: 3, MaxBytes: -1}))
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 300, 1)
	l.Prune(l.AppendIndex() + 1)
	assert.Equal(t, 3, l.Segments().Len())
}

func TestSegmentedLog_EnforceRetention(t *testing.T) {
	t.Run("MaxBytes", func(t *testing.T) {
		l := openTestLog(t, t.TempDir(), smallSegmentConfig(),
			disk.WithRetentionPolicy(disk.RetentionPolicy{MinSegments: 1, MaxBytes: 4096}))
		defer func() { require.NoError(t, l.Close()) }()

		appendLogEntries(t, l, 500, 1)
		require.Greater(t, l.Segments().TotalSize(), int64(4096))

		assert.Zero(t, l.EnforceRetention(1), "nothing below the safe index")

		pruned := l.EnforceRetention(l.AppendIndex() + 1)
		assert.Greater(t, pruned, 0)
		assert.LessOrEqual(t, l.Segments().TotalSize(), int64(4096))
		assert.Len(t, readLog(t, l, l.PrevIndex()+1), int(l.AppendIndex()-l.PrevIndex()))
	})

	t.Run("MaxAge", func(t *testing.T) {
		l := openTestLog(t, t.TempDir(), smallSegmentConfig(),
			disk.WithRetentionPolicy(disk.RetentionPolicy{MinSegments: 1, MaxBytes: -1, MaxAge: time.Hour}))
		defer func() { require.NoError(t, l.Close()) }()

		appendLogEntries(t, l, 100, 1)
		all := l.Segments().All()
		require.Greater(t, len(all), 2)

		old := time.Now().Add(-2 * time.Hour)
		for _, seg := range all[:2] {
			require.NoError(t, os.Chtimes(seg.Path(), old, old))
		}

		assert.Equal(t, 2, l.EnforceRetention(l.AppendIndex()+1))
		assert.Equal(t, all[2].Version(), l.Segments().First().Version())
		assert.Equal(t, all[2].Header().PrevIndex, l.PrevIndex())
	})
}

func TestSegmentedLog_RetentionLoop(t *testing.T) {
	cfg := smallSegmentConfig()
	cfg.RetentionCheckIntervalMS = 10
	l := openTestLog(t, t.TempDir(), cfg,
		disk.WithRetentionPolicy(disk.RetentionPolicy{MinSegments: 2, MaxBytes: 2048}))

	appendLogEntries(t, l, 300, 1)
	l.StartRetention(func() int64 { return l.AppendIndex() + 1 })

	require.Eventually(t, func() bool {
		return l.Segments().Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, l.Close())
}

func TestSegmentedLog_ReadEntryTermOutOfRange(t *testing.T) {
	l := openTestLog(t, t.TempDir(), config.Default())
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 3, 2)
	for _, index := range []int64{-5, 4, 100} {
		term, err := l.ReadEntryTerm(index)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), term, "index %d", index)
	}
	term, err := l.ReadEntryTerm(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), term)
}

func TestSegmentedLog_ClosedLogRejectsCalls(t *testing.T) {
	l := openTestLog(t, t.TempDir(), config.Default())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append(types.LogEntry{Term: 1})
	assert.ErrorIs(t, err, disk.ErrClosed)
	assert.ErrorIs(t, l.Flush(), disk.ErrClosed)
	_, err = l.Reader(1)
	assert.ErrorIs(t, err, disk.ErrClosed)
}

func TestSegmentedLog_CompressedContent(t *testing.T) {
	cfg := config.Default()
	cfg.CompressionType = "lz4"
	l := openTestLog(t, t.TempDir(), cfg)
	defer func() { require.NoError(t, l.Close()) }()

	appendLogEntries(t, l, 20, 1)
	entries := readLog(t, l, 1)
	require.Len(t, entries, 20)
	assert.Equal(t, entryContent(20), entries[19].Content)
}

func TestSegmentedLog_ConcurrentAppendAndRead(t *testing.T) {
	const total = 3000
	l := openTestLog(t, t.TempDir(), smallSegmentConfig())
	defer func() { require.NoError(t, l.Close()) }()

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < total; i += 50 {
			batch := make([]types.LogEntry, 50)
			for j := range batch {
				batch[j] = types.LogEntry{Term: 1, Content: entryContent(int64(i + j + 1))}
			}
			if _, err := l.Append(batch...); err != nil {
				return err
			}
			if err := l.Flush(); err != nil {
				return err
			}
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			c, err := l.Reader(1)
			if err != nil {
				return err
			}
			defer c.Close()

			next := int64(1)
			for next <= total {
				if !c.Next() {
					if err := c.Err(); err != nil {
						return err
					}
					continue
				}
				if c.Entry().Index != next {
					return assert.AnError
				}
				next++
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
}
