package disk

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/pkg/types"
	"github.com/downfa11-org/seglog/util"
	"go.uber.org/multierr"
)

// DiskManager keeps one SegmentedLog per name under cfg.LogDir.
type DiskManager struct {
	mu      sync.Mutex
	logs    map[string]*SegmentedLog
	cfg     *config.Config
	marshal types.ContentMarshal
	opts    []Option
}

func NewDiskManager(cfg *config.Config, marshal types.ContentMarshal, opts ...Option) *DiskManager {
	if cfg == nil {
		cfg = config.Default()
	}
	return &DiskManager{
		logs:    make(map[string]*SegmentedLog),
		cfg:     cfg,
		marshal: marshal,
		opts:    opts,
	}
}

// GetLog returns the log for a given name or opens one if missing.
func (dm *DiskManager) GetLog(name string) (*SegmentedLog, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if l, ok := dm.logs[name]; ok {
		return l, nil
	}
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid log name %q", name)
	}

	l, err := Open(filepath.Join(dm.cfg.LogDir, name), dm.cfg, dm.marshal, dm.opts...)
	if err != nil {
		return nil, err
	}
	dm.logs[name] = l
	return l, nil
}

// Names lists the logs opened so far.
func (dm *DiskManager) Names() []string {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	names := make([]string, 0, len(dm.logs))
	for name := range dm.logs {
		names = append(names, name)
	}
	return names
}

// CloseAll closes every log and forgets it.
func (dm *DiskManager) CloseAll() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var err error
	for name, l := range dm.logs {
		util.Debug("Closing log %s", name)
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close log %s: %w", name, cerr))
		}
		delete(dm.logs, name)
	}
	return err
}
