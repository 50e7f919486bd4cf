package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/downfa11-org/seglog/util"
	"gopkg.in/yaml.v3"
)

// Config represents the log storage configuration including tunable performance options
type Config struct {
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level" toml:"log_level"`
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter" toml:"enable_exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port" toml:"exporter_port"`

	// Segment files
	LogDir            string `yaml:"log_dir" json:"log.dir" toml:"log_dir"`
	SegmentSize       int64  `yaml:"segment_size" json:"segment.size" toml:"segment_size"`
	SegmentRollTimeMS int    `yaml:"segment_roll_time_ms" json:"segment.roll.time.ms" toml:"segment_roll_time_ms"`
	FsyncOnFlush      bool   `yaml:"fsync_on_flush" json:"fsync.on.flush" toml:"fsync_on_flush"`
	CompressionType   string `yaml:"compression_type" json:"compression.type" toml:"compression_type"`

	// Readers
	PositionCacheSize int `yaml:"position_cache_size" json:"position.cache.size" toml:"position_cache_size"`
	ReaderPoolSize    int `yaml:"reader_pool_size" json:"reader.pool.size" toml:"reader_pool_size"`
	ReaderMaxIdleMS   int `yaml:"reader_max_idle_ms" json:"reader.max.idle.ms" toml:"reader_max_idle_ms"`

	// Retention
	RetentionMinSegments     int   `yaml:"retention_min_segments" json:"retention.min.segments" toml:"retention_min_segments"`
	RetentionBytes           int64 `yaml:"retention_bytes" json:"retention.bytes" toml:"retention_bytes"`
	RetentionHours           int   `yaml:"retention_hours" json:"retention.hours" toml:"retention_hours"`
	RetentionCheckIntervalMS int   `yaml:"retention_check_interval_ms" json:"retention.check.interval.ms" toml:"retention_check_interval_ms"`

	// Versioned state files
	StateRotationEntries int `yaml:"state_rotation_entries" json:"state.rotation.entries" toml:"state_rotation_entries"`
}

// Default returns a normalized configuration with every default applied.
func Default() *Config {
	cfg := &Config{LogLevel: util.LogLevelInfo, FsyncOnFlush: true}
	cfg.Normalize()
	return cfg
}

// LoadConfig builds a Config from defaults, an optional YAML/JSON/TOML file,
// SEGLOG_* environment variables and finally explicitly set flags.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{LogLevel: util.LogLevelInfo, FsyncOnFlush: true}

	fs := flag.NewFlagSet("seglog", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML/JSON/TOML config file")
	logDirStr := fs.String("log-dir", "raft-log", "Directory holding segment files")
	logLevelStr := fs.String("log-level", "info", "Log Level (debug, info, warn, error)")
	segmentSizeStr := fs.String("segment-size", "1MiB", "Segment rotation size (e.g. 1048576, 64MiB)")
	segmentRollTimeStr := fs.String("segment-roll-time-ms", "0", "Time-based segment rotation in milliseconds (0=disabled)")
	fsyncStr := fs.String("fsync", "true", "Sync segment files to stable storage on flush")
	compressionStr := fs.String("compression", "none", "Entry content compression (none, gzip, snappy, lz4)")
	exporterStr := fs.String("exporter", "false", "Enable Prometheus exporter")
	exporterPortStr := fs.String("exporter-port", "9100", "Exporter port")
	retentionMinStr := fs.String("retention-min-segments", "1", "Segments always kept by retention")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}
	if *configPath != "" {
		if err := loadFile(cfg, *configPath); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-dir":
			cfg.LogDir = *logDirStr
		case "log-level":
			cfg.LogLevel = util.ParseLogLevel(*logLevelStr)
		case "segment-size":
			size, err := parseSize(*segmentSizeStr)
			if err != nil {
				flagErr = err
				return
			}
			cfg.SegmentSize = size
		case "segment-roll-time-ms":
			cfg.SegmentRollTimeMS = util.ParseInt(*segmentRollTimeStr, cfg.SegmentRollTimeMS)
		case "fsync":
			cfg.FsyncOnFlush = util.ParseBool(*fsyncStr, cfg.FsyncOnFlush)
		case "compression":
			cfg.CompressionType = *compressionStr
		case "exporter":
			cfg.EnableExporter = util.ParseBool(*exporterStr, cfg.EnableExporter)
		case "exporter-port":
			cfg.ExporterPort = util.ParseInt(*exporterPortStr, cfg.ExporterPort)
		case "retention-min-segments":
			cfg.RetentionMinSegments = util.ParseInt(*retentionMinStr, cfg.RetentionMinSegments)
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// SegmentRollTime returns the time-based rotation threshold, zero if disabled.
func (cfg *Config) SegmentRollTime() time.Duration {
	return time.Duration(cfg.SegmentRollTimeMS) * time.Millisecond
}

func (cfg *Config) ReaderMaxIdle() time.Duration {
	return time.Duration(cfg.ReaderMaxIdleMS) * time.Millisecond
}

func (cfg *Config) RetentionCheckInterval() time.Duration {
	return time.Duration(cfg.RetentionCheckIntervalMS) * time.Millisecond
}

// RetentionAge returns the age limit for segments, zero if disabled.
func (cfg *Config) RetentionAge() time.Duration {
	return time.Duration(cfg.RetentionHours) * time.Hour
}
