// Package config assembles the run configuration from PLATEFLOW_* environment
// variables and an optional YAML run file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"plateflow/internal/blob"
)

// Defaults.
const (
	DefaultHost         = "sqlite://./plateflow.db"
	DefaultPipelinePath = "pipelines/ExamplePercentPositive.cppipe"
	DefaultReportDir    = "reports"
	DefaultStrip        = 4
)

// Engine configures the external pipeline engine.
type Engine struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	Retries int
}

// Analysis configures the per-well loop.
type Analysis struct {
	WellLimit     int
	Channels      map[int]string
	ChannelPolicy string
}

// Upload configures the result table.
type Upload struct {
	TableName    string
	Namespace    string
	ColumnPolicy string
}

// Config is the complete run configuration.
type Config struct {
	Host             string
	AllowInsecure    bool
	Blob             blob.Options
	PipelinePath     string
	Strip            int
	Engine           Engine
	WorkDir          string
	ReportDir        string
	Analysis         Analysis
	Upload           Upload
	HistogramExclude []string
	MetricsTextfile  string
	PushgatewayURL   string
	TraceFile        string
	LogLevel         string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:         DefaultHost,
		PipelinePath: DefaultPipelinePath,
		Strip:        DefaultStrip,
		ReportDir:    DefaultReportDir,
		LogLevel:     "info",
	}
}

// FromEnv reads the configuration from the environment. When
// PLATEFLOW_CONFIG names a YAML file it is applied on top.
//
//	PLATEFLOW_HOST: catalog URL (memory://, sqlite://, postgres://)
//	PLATEFLOW_ALLOW_INSECURE: true to permit clear-text channels
//	PLATEFLOW_PIPELINE: pipeline file
//	PLATEFLOW_ENGINE_BIN / _ARGS / _TIMEOUT / _RETRIES: engine invocation
//	PLATEFLOW_WORK_DIR: parent of per-image workspaces
//	PLATEFLOW_REPORT_DIR: report artifact directory ("-" disables reports)
//	PLATEFLOW_METRICS_TEXTFILE, PLATEFLOW_PUSHGATEWAY_URL: metrics sinks
//	PLATEFLOW_TRACE_FILE: JSON-lines stage trace
//	PLATEFLOW_LOG_LEVEL: debug|info|warn|error
func FromEnv() (Config, error) {
	cfg := Default()
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PLATEFLOW_HOST", &cfg.Host)
	str("PLATEFLOW_PIPELINE", &cfg.PipelinePath)
	str("PLATEFLOW_ENGINE_BIN", &cfg.Engine.Binary)
	str("PLATEFLOW_WORK_DIR", &cfg.WorkDir)
	str("PLATEFLOW_REPORT_DIR", &cfg.ReportDir)
	str("PLATEFLOW_METRICS_TEXTFILE", &cfg.MetricsTextfile)
	str("PLATEFLOW_PUSHGATEWAY_URL", &cfg.PushgatewayURL)
	str("PLATEFLOW_TRACE_FILE", &cfg.TraceFile)
	str("PLATEFLOW_LOG_LEVEL", &cfg.LogLevel)
	cfg.AllowInsecure = strings.EqualFold(os.Getenv("PLATEFLOW_ALLOW_INSECURE"), "true")
	cfg.Blob = blob.OptionsFromEnv()
	if v := strings.TrimSpace(os.Getenv("PLATEFLOW_ENGINE_ARGS")); v != "" {
		cfg.Engine.Args = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("PLATEFLOW_ENGINE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("PLATEFLOW_ENGINE_TIMEOUT: %w", err)
		}
		cfg.Engine.Timeout = d
	}
	if v := strings.TrimSpace(os.Getenv("PLATEFLOW_ENGINE_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("PLATEFLOW_ENGINE_RETRIES: invalid value %q", v)
		}
		cfg.Engine.Retries = n
	}
	if path := strings.TrimSpace(os.Getenv("PLATEFLOW_CONFIG")); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := file.Apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	return cfg, nil
}

// File models the YAML run file. Unset fields keep the environment value.
type File struct {
	Pipeline         string         `yaml:"pipeline,omitempty"`
	Strip            *int           `yaml:"strip,omitempty"`
	WellLimit        int            `yaml:"well_limit,omitempty"`
	Channels         map[int]string `yaml:"channels,omitempty"`
	ChannelPolicy    string         `yaml:"channel_policy,omitempty"`
	ColumnPolicy     string         `yaml:"column_policy,omitempty"`
	TableName        string         `yaml:"table_name,omitempty"`
	Namespace        string         `yaml:"namespace,omitempty"`
	HistogramExclude []string       `yaml:"histogram_exclude,omitempty"`
	Engine           struct {
		Binary  string   `yaml:"binary,omitempty"`
		Args    []string `yaml:"args,omitempty"`
		Timeout string   `yaml:"timeout,omitempty"`
		Retries int      `yaml:"retries,omitempty"`
	} `yaml:"engine,omitempty"`
}

// LoadFile parses a YAML run file. Unknown keys are rejected.
func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open run config: %w", err)
	}
	defer func() { _ = f.Close() }()
	var file File
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return File{}, fmt.Errorf("parse run config %s: %w", path, err)
	}
	return file, nil
}

// Apply copies the fields set in f onto cfg.
func (f File) Apply(cfg *Config) error {
	if f.Pipeline != "" {
		cfg.PipelinePath = f.Pipeline
	}
	if f.Strip != nil {
		if *f.Strip < 0 {
			return errors.New("strip must not be negative")
		}
		cfg.Strip = *f.Strip
	}
	if f.WellLimit < 0 {
		return errors.New("well_limit must not be negative")
	}
	if f.WellLimit > 0 {
		cfg.Analysis.WellLimit = f.WellLimit
	}
	if len(f.Channels) > 0 {
		cfg.Analysis.Channels = make(map[int]string, len(f.Channels))
		for c, name := range f.Channels {
			cfg.Analysis.Channels[c] = name
		}
	}
	if f.ChannelPolicy != "" {
		cfg.Analysis.ChannelPolicy = f.ChannelPolicy
	}
	if f.ColumnPolicy != "" {
		cfg.Upload.ColumnPolicy = f.ColumnPolicy
	}
	if f.TableName != "" {
		cfg.Upload.TableName = f.TableName
	}
	if f.Namespace != "" {
		cfg.Upload.Namespace = f.Namespace
	}
	if len(f.HistogramExclude) > 0 {
		cfg.HistogramExclude = append([]string(nil), f.HistogramExclude...)
	}
	if f.Engine.Binary != "" {
		cfg.Engine.Binary = f.Engine.Binary
	}
	if len(f.Engine.Args) > 0 {
		cfg.Engine.Args = append([]string(nil), f.Engine.Args...)
	}
	if f.Engine.Timeout != "" {
		d, err := time.ParseDuration(f.Engine.Timeout)
		if err != nil {
			return fmt.Errorf("engine.timeout: %w", err)
		}
		cfg.Engine.Timeout = d
	}
	if f.Engine.Retries > 0 {
		cfg.Engine.Retries = f.Engine.Retries
	}
	return nil
}
