package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"plateflow/internal/blob"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"PLATEFLOW_HOST", "PLATEFLOW_PIPELINE", "PLATEFLOW_CONFIG", "PLATEFLOW_ENGINE_TIMEOUT", "PLATEFLOW_BLOB_DRIVER", "PLATEFLOW_ALLOW_INSECURE"} {
		t.Setenv(key, "")
	}
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Host != DefaultHost || cfg.PipelinePath != DefaultPipelinePath || cfg.Strip != DefaultStrip || cfg.ReportDir != DefaultReportDir {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AllowInsecure {
		t.Fatalf("insecure must be opt-in")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PLATEFLOW_CONFIG", "")
	t.Setenv("PLATEFLOW_HOST", "memory://run")
	t.Setenv("PLATEFLOW_ALLOW_INSECURE", "TRUE")
	t.Setenv("PLATEFLOW_ENGINE_BIN", "/opt/cp/bin/cellprofiler")
	t.Setenv("PLATEFLOW_ENGINE_ARGS", "-c -r -p {pipeline}")
	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "90s")
	t.Setenv("PLATEFLOW_ENGINE_RETRIES", "2")
	t.Setenv("PLATEFLOW_BLOB_DRIVER", "memory")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Host != "memory://run" || !cfg.AllowInsecure || cfg.Engine.Binary != "/opt/cp/bin/cellprofiler" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Engine.Args) != 4 || cfg.Engine.Timeout != 90*time.Second || cfg.Engine.Retries != 2 {
		t.Fatalf("unexpected engine config %+v", cfg.Engine)
	}
	if cfg.Blob.Driver != blob.DriverMemory {
		t.Fatalf("unexpected blob driver %q", cfg.Blob.Driver)
	}

	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "soon")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected timeout parse error")
	}
	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "")
	t.Setenv("PLATEFLOW_ENGINE_RETRIES", "-1")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected retries error")
	}
}

func TestRunFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	body := `pipeline: custom.cppipe
strip: 3
well_limit: 2
channels:
  0: DNA
  1: PH3
  2: Actin
channel_policy: legacy
column_policy: drop
table_name: screen_a
histogram_exclude: [Image, Well]
engine:
  binary: cp
  timeout: 5m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PLATEFLOW_CONFIG", path)
	t.Setenv("PLATEFLOW_ENGINE_TIMEOUT", "")
	t.Setenv("PLATEFLOW_ENGINE_RETRIES", "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.PipelinePath != "custom.cppipe" || cfg.Strip != 3 || cfg.Analysis.WellLimit != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Analysis.Channels[2] != "Actin" || cfg.Analysis.ChannelPolicy != "legacy" {
		t.Fatalf("unexpected channels %+v", cfg.Analysis)
	}
	if cfg.Upload.ColumnPolicy != "drop" || cfg.Upload.TableName != "screen_a" || len(cfg.HistogramExclude) != 2 {
		t.Fatalf("unexpected upload config %+v", cfg.Upload)
	}
	if cfg.Engine.Binary != "cp" || cfg.Engine.Timeout != 5*time.Minute {
		t.Fatalf("unexpected engine %+v", cfg.Engine)
	}

	if err := os.WriteFile(path, []byte("wells: 3\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected unknown key error")
	}
	t.Setenv("PLATEFLOW_CONFIG", filepath.Join(dir, "missing.yaml"))
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestApplyRejectsNegativeValues(t *testing.T) {
	cfg := Default()
	neg := -1
	if err := (File{Strip: &neg}).Apply(&cfg); err == nil {
		t.Fatalf("expected strip error")
	}
	if err := (File{WellLimit: -2}).Apply(&cfg); err == nil {
		t.Fatalf("expected well limit error")
	}
}
