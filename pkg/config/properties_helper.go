package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/seglog/util"
	"github.com/dustin/go-humanize"
)

const envPrefix = "SEGLOG_"

func (cfg *Config) Normalize() {
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// segment files
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "raft-log"
	}
	if cfg.SegmentSize < 1024 {
		cfg.SegmentSize = 1 << 20 // 1MB
	}
	if cfg.SegmentRollTimeMS < 0 {
		cfg.SegmentRollTimeMS = 0
	}
	cfg.CompressionType = strings.ToLower(strings.TrimSpace(cfg.CompressionType))
	if cfg.CompressionType == "" {
		cfg.CompressionType = "none"
	}
	if !util.ValidCompression(cfg.CompressionType) {
		util.Warn("Invalid compression_type '%s', defaulting to 'none'", cfg.CompressionType)
		cfg.CompressionType = "none"
	}

	// readers
	if cfg.PositionCacheSize <= 0 {
		cfg.PositionCacheSize = 8
	}
	if cfg.ReaderPoolSize <= 0 {
		cfg.ReaderPoolSize = 8
	}
	if cfg.ReaderMaxIdleMS <= 0 {
		cfg.ReaderMaxIdleMS = 60000
	}

	// retention
	if cfg.RetentionMinSegments <= 0 {
		cfg.RetentionMinSegments = 1
	}
	if cfg.RetentionBytes == 0 {
		cfg.RetentionBytes = -1
	}
	if cfg.RetentionHours < 0 {
		cfg.RetentionHours = 0
	}
	if cfg.RetentionCheckIntervalMS <= 0 {
		cfg.RetentionCheckIntervalMS = 300000
	}

	if cfg.StateRotationEntries <= 0 {
		cfg.StateRotationEntries = 1000
	}
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.LogDir, envPrefix+"LOG_DIR")
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
	if v := os.Getenv(envPrefix + "SEGMENT_SIZE"); v != "" {
		if size, err := parseSize(v); err == nil {
			cfg.SegmentSize = size
		} else {
			util.Warn("ignoring %sSEGMENT_SIZE: %v", envPrefix, err)
		}
	}
	overrideEnvInt(&cfg.SegmentRollTimeMS, envPrefix+"SEGMENT_ROLL_TIME_MS")
	overrideEnvBool(&cfg.FsyncOnFlush, envPrefix+"FSYNC_ON_FLUSH")
	overrideEnvString(&cfg.CompressionType, envPrefix+"COMPRESSION_TYPE")
	overrideEnvInt(&cfg.PositionCacheSize, envPrefix+"POSITION_CACHE_SIZE")
	overrideEnvInt(&cfg.ReaderPoolSize, envPrefix+"READER_POOL_SIZE")
	overrideEnvInt(&cfg.ReaderMaxIdleMS, envPrefix+"READER_MAX_IDLE_MS")
	overrideEnvInt(&cfg.RetentionMinSegments, envPrefix+"RETENTION_MIN_SEGMENTS")
	overrideEnvInt64(&cfg.RetentionBytes, envPrefix+"RETENTION_BYTES")
	overrideEnvInt(&cfg.RetentionHours, envPrefix+"RETENTION_HOURS")
	overrideEnvInt(&cfg.RetentionCheckIntervalMS, envPrefix+"RETENTION_CHECK_INTERVAL_MS")
	overrideEnvInt(&cfg.StateRotationEntries, envPrefix+"STATE_ROTATION_ENTRIES")
	overrideEnvBool(&cfg.EnableExporter, envPrefix+"ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, envPrefix+"EXPORTER_PORT")
}

// parseSize accepts plain byte counts as well as humanized sizes like "64MiB".
func parseSize(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
