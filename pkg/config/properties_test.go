package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/seglog/pkg/config"
	"github.com/downfa11-org/seglog/util"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Normalize()

	if cfg.SegmentSize != 1<<20 {
		t.Errorf("SegmentSize default incorrect: %d", cfg.SegmentSize)
	}
	if cfg.LogDir != "raft-log" {
		t.Errorf("LogDir default incorrect: %s", cfg.LogDir)
	}
	if cfg.CompressionType != "none" {
		t.Errorf("CompressionType default incorrect: %s", cfg.CompressionType)
	}
	if cfg.PositionCacheSize != 8 || cfg.ReaderPoolSize != 8 {
		t.Errorf("reader defaults incorrect: cache=%d pool=%d", cfg.PositionCacheSize, cfg.ReaderPoolSize)
	}
	if cfg.RetentionMinSegments != 1 || cfg.RetentionBytes != -1 {
		t.Errorf("retention defaults incorrect: min=%d bytes=%d", cfg.RetentionMinSegments, cfg.RetentionBytes)
	}
	if cfg.RetentionCheckInterval() != 5*time.Minute {
		t.Errorf("RetentionCheckInterval default incorrect: %v", cfg.RetentionCheckInterval())
	}
	if cfg.EnableExporter || cfg.ExporterPort != 9100 {
		t.Errorf("exporter defaults incorrect: enabled=%v port=%d", cfg.EnableExporter, cfg.ExporterPort)
	}
	if cfg.StateRotationEntries != 1000 {
		t.Errorf("StateRotationEntries default incorrect: %d", cfg.StateRotationEntries)
	}
}

func TestCompressionNormalization(t *testing.T) {
	cases := map[string]string{
		" LZ4 ":   "lz4",
		"gzip":    "gzip",
		"garbage": "none",
		"":        "none",
	}
	for in, want := range cases {
		cfg := &config.Config{CompressionType: in}
		cfg.Normalize()
		if cfg.CompressionType != want {
			t.Errorf("compression %q normalized to %q, want %q", in, cfg.CompressionType, want)
		}
	}
}

func TestSmallSegmentSizeRaised(t *testing.T) {
	cfg := &config.Config{SegmentSize: 10}
	cfg.Normalize()
	if cfg.SegmentSize != 1<<20 {
		t.Errorf("SegmentSize not raised: %d", cfg.SegmentSize)
	}
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := config.LoadConfig([]string{
		"-log-dir", "/tmp/seglog",
		"-segment-size", "64MiB",
		"-fsync=false",
		"-compression", "snappy",
		"-log-level", "debug",
		"-retention-min-segments", "3",
		"-exporter=true",
		"-exporter-port", "9200",
	})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	defer util.SetLevel(util.LogLevelInfo)

	if cfg.LogDir != "/tmp/seglog" {
		t.Errorf("LogDir not applied: %s", cfg.LogDir)
	}
	if cfg.SegmentSize != 64<<20 {
		t.Errorf("SegmentSize not applied: %d", cfg.SegmentSize)
	}
	if cfg.FsyncOnFlush {
		t.Errorf("FsyncOnFlush not applied")
	}
	if cfg.CompressionType != "snappy" {
		t.Errorf("CompressionType not applied: %s", cfg.CompressionType)
	}
	if cfg.LogLevel != util.LogLevelDebug {
		t.Errorf("LogLevel not applied: %v", cfg.LogLevel)
	}
	if cfg.RetentionMinSegments != 3 {
		t.Errorf("RetentionMinSegments not applied: %d", cfg.RetentionMinSegments)
	}
	if !cfg.EnableExporter || cfg.ExporterPort != 9200 {
		t.Errorf("exporter flags not applied: enabled=%v port=%d", cfg.EnableExporter, cfg.ExporterPort)
	}
}

func TestLoadConfigInvalidSize(t *testing.T) {
	if _, err := config.LoadConfig([]string{"-segment-size", "lots"}); err == nil {
		t.Errorf("expected error for invalid segment size")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"seglog.yaml": "log_dir: /data/yaml\nsegment_size: 4096\nretention_hours: 24\n",
		"seglog.json": `{"log.dir": "/data/json", "segment.size": 4096, "retention.hours": 24}`,
		"seglog.toml": "log_dir = \"/data/toml\"\nsegment_size = 4096\nretention_hours = 24\n",
	}

	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}

		cfg, err := config.LoadConfig([]string{"-config", path})
		if err != nil {
			t.Fatalf("%s: LoadConfig failed: %v", name, err)
		}
		if cfg.SegmentSize != 4096 {
			t.Errorf("%s: SegmentSize = %d", name, cfg.SegmentSize)
		}
		if cfg.RetentionAge() != 24*time.Hour {
			t.Errorf("%s: RetentionAge = %v", name, cfg.RetentionAge())
		}
		if filepath.Base(cfg.LogDir) != name[len("seglog."):] {
			t.Errorf("%s: LogDir = %s", name, cfg.LogDir)
		}
	}

	t.Setenv("CONFIG_PATH", filepath.Join(dir, "seglog.yaml"))
	t.Setenv("SEGLOG_LOG_DIR", "/data/env")
	t.Setenv("SEGLOG_SEGMENT_SIZE", "2MiB")
	t.Setenv("SEGLOG_READER_POOL_SIZE", "32")

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LogDir != "/data/env" {
		t.Errorf("env LogDir not applied over file: %s", cfg.LogDir)
	}
	if cfg.SegmentSize != 2<<20 {
		t.Errorf("env SegmentSize not applied: %d", cfg.SegmentSize)
	}
	if cfg.ReaderPoolSize != 32 {
		t.Errorf("env ReaderPoolSize not applied: %d", cfg.ReaderPoolSize)
	}

	cfg, err = config.LoadConfig([]string{"-log-dir", "/data/flag"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LogDir != "/data/flag" {
		t.Errorf("flag LogDir not applied over env: %s", cfg.LogDir)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := config.LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Errorf("expected error for missing config file")
	}
}
