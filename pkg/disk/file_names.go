package disk

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPrefix = "raft_segment_"
	segmentSuffix = ".log"
)

// FileNames maps segment versions to paths inside one log directory.
type FileNames struct {
	Dir string
}

// Path returns the file path for a segment version: raft_segment_%020d.log.
func (n FileNames) Path(version uint64) string {
	return filepath.Join(n.Dir, fmt.Sprintf("%s%020d%s", segmentPrefix, version, segmentSuffix))
}

// ParseSegmentVersion extracts the version from a segment file name.
func ParseSegmentVersion(name string) (uint64, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if digits == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// List returns the segment versions present in the directory in ascending
// order. Files that do not follow the naming scheme are ignored.
func (n FileNames) List(fs FileSystem) ([]uint64, error) {
	names, err := fs.ReadDir(n.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segments in %s: %w", n.Dir, err)
	}
	versions := make([]uint64, 0, len(names))
	for _, name := range names {
		if v, ok := ParseSegmentVersion(name); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
