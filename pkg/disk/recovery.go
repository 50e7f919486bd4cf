package disk

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/downfa11-org/seglog/pkg/types"
	"go.uber.org/zap"
)

// logState is what a log needs to resume after a restart.
type logState struct {
	prevIndex   int64
	prevTerm    int64
	appendIndex int64
	appendTerm  int64
}

// recoverSegments rebuilds the segment list from file names and on-disk
// headers. A record torn by a crash at the end of the newest segment is cut
// off; the newest segment left without a full header is removed. An empty
// directory gets a first segment.
func recoverSegments(cfg SegmentFileConfig, names FileNames) (*Segments, logState, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	versions, err := names.List(cfg.FS)
	if err != nil {
		return nil, logState{}, err
	}

	files := make([]*SegmentFile, 0, len(versions))
	for i, version := range versions {
		path := names.Path(version)
		header, err := readHeader(cfg.FS, path)
		if err != nil {
			if i == len(versions)-1 && errors.Is(err, ErrCorruptHeader) {
				logger.Warn("Removing newest segment with incomplete header", zap.String("path", path), zap.Error(err))
				if rerr := cfg.FS.Remove(path); rerr != nil {
					return nil, logState{}, fmt.Errorf("remove incomplete segment %s: %w", path, rerr)
				}
				break
			}
			return nil, logState{}, fmt.Errorf("recover segment %s: %w", path, err)
		}
		if header.Version != version {
			return nil, logState{}, fmt.Errorf("%w: %s carries version %d", ErrCorruptHeader, path, header.Version)
		}
		files = append(files, OpenSegmentFile(cfg, path, version, header))
	}

	if len(files) == 0 {
		segments := newSegments(cfg, names, nil)
		if _, err := segments.createNext(0, 0, 0); err != nil {
			return nil, logState{}, err
		}
		logger.Info("Created first segment", zap.String("dir", names.Dir))
		return segments, logState{}, nil
	}

	var state logState
	state.prevIndex = files[0].Header().PrevIndex
	state.prevTerm = files[0].Header().PrevTerm
	for _, f := range files[1:] {
		// A header past the end of its predecessor marks a skip.
		if h := f.Header(); h.PrevIndex > h.PrevFileLastIndex {
			state.prevIndex = h.PrevIndex
			state.prevTerm = h.PrevTerm
		}
	}

	last := files[len(files)-1]
	count, lastTerm, err := scanTail(cfg.FS, last, logger)
	if err != nil {
		return nil, logState{}, err
	}
	state.appendIndex = last.Header().PrevIndex + count
	state.appendTerm = last.Header().PrevTerm
	if count > 0 {
		state.appendTerm = lastTerm
	}

	logger.Info("Recovered segmented log",
		zap.String("dir", names.Dir),
		zap.Int("segments", len(files)),
		zap.Int64("prevIndex", state.prevIndex),
		zap.Int64("appendIndex", state.appendIndex))
	return newSegments(cfg, names, files), state, nil
}

// scanTail counts the valid records of a segment and truncates the file
// after the last one.
func scanTail(fs FileSystem, seg *SegmentFile, logger *zap.Logger) (int64, int64, error) {
	f, err := fs.OpenWrite(seg.Path())
	if err != nil {
		return 0, 0, fmt.Errorf("open %s for recovery: %w", seg.Path(), err)
	}
	defer f.Close()

	if _, err := f.Seek(types.SegmentHeaderSize, io.SeekStart); err != nil {
		return 0, 0, err
	}
	r := bufio.NewReaderSize(f, readAheadSize)

	var (
		count    int64
		lastTerm int64
		offset   int64 = types.SegmentHeaderSize
	)
	for {
		term, n, err := skipRecord(r)
		if err != nil {
			if !errors.Is(err, ErrReadPastEnd) && !errors.Is(err, ErrCorruptRecord) {
				return 0, 0, fmt.Errorf("scan %s: %w", seg.Path(), err)
			}
			break
		}
		count++
		lastTerm = term
		offset += int64(n)
	}

	size, err := seg.Size()
	if err != nil {
		return 0, 0, err
	}
	if size > offset {
		logger.Warn("Truncating torn tail of segment",
			zap.String("segment", seg.Filename()), zap.Int64("validBytes", offset), zap.Int64("fileBytes", size))
		if err := f.Truncate(offset); err != nil {
			return 0, 0, fmt.Errorf("truncate %s: %w", seg.Path(), err)
		}
		if err := f.Sync(); err != nil {
			return 0, 0, err
		}
	}
	return count, lastTerm, nil
}
