// Package config loads the pipeline configuration file and applies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindowMS  int `json:"failure_window_ms" yaml:"failure_window_ms"`
	CooldownMS       int `json:"cooldown_ms" yaml:"cooldown_ms"`
}

type DLQConfig struct {
	MaxAttempts   int `json:"max_attempts" yaml:"max_attempts"`
	BaseBackoffMS int `json:"base_backoff_ms" yaml:"base_backoff_ms"`
	MaxBackoffMS  int `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	// Poll interval for the retry worker.
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type TimeoutConfig struct {
	ExtractMS  int `json:"extract_ms" yaml:"extract_ms"`
	UploadMS   int `json:"upload_ms" yaml:"upload_ms"`
	GraphTxMS  int `json:"graph_tx_ms" yaml:"graph_tx_ms"`
	DocumentMS int `json:"document_ms" yaml:"document_ms"`
}

type BridgeConfig struct {
	// Fraction of entities resolving to OTHER above which a data-quality
	// warning is logged.
	OtherFractionWarn float64 `json:"other_fraction_warn" yaml:"other_fraction_warn"`
	// Optional synonym table file (YAML map of alias -> canonical name).
	SynonymTablePath string `json:"synonym_table_path" yaml:"synonym_table_path"`
	// Optional entity type rule table file (YAML; see bridge.LoadEntityRules).
	TypeRuleTablePath string `json:"type_rule_table_path" yaml:"type_rule_table_path"`
	// Optional edge type rule table file (YAML; see bridge.LoadEdgeRules).
	EdgeRuleTablePath string `json:"edge_rule_table_path" yaml:"edge_rule_table_path"`
}

type RegistryConfig struct {
	// Terminal documents older than this many days are compacted to a
	// single tail record.
	CompactAfterDays int `json:"compact_after_days" yaml:"compact_after_days"`
}

type File struct {
	Version int `json:"version" yaml:"version"`

	// DataDir holds the registry, DLQ and extractor cache bolt files.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	WorkerPoolSize int `json:"worker_pool_size" yaml:"worker_pool_size"`

	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
	DLQ      DLQConfig      `json:"dlq" yaml:"dlq"`
	Timeouts TimeoutConfig  `json:"timeouts" yaml:"timeouts"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`

	Extractor struct {
		BaseURL   string `json:"base_url" yaml:"base_url"`
		APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	} `json:"extractor" yaml:"extractor"`

	Index struct {
		BaseURL   string `json:"base_url" yaml:"base_url"`
		APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	} `json:"index" yaml:"index"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	f.ApplyDefaults()
	return &f, nil
}

// Default returns a config with every default applied and no file read.
func Default() *File {
	var f File
	f.ApplyDefaults()
	return &f
}

func (f *File) ApplyDefaults() {
	if f.DataDir == "" {
		f.DataDir = "data"
	}
	if f.WorkerPoolSize <= 0 {
		f.WorkerPoolSize = 4
	}
	if f.Breaker.FailureThreshold <= 0 {
		f.Breaker.FailureThreshold = 5
	}
	if f.Breaker.FailureWindowMS <= 0 {
		f.Breaker.FailureWindowMS = 60_000
	}
	if f.Breaker.CooldownMS <= 0 {
		f.Breaker.CooldownMS = 30_000
	}
	if f.DLQ.MaxAttempts <= 0 {
		f.DLQ.MaxAttempts = 8
	}
	if f.DLQ.BaseBackoffMS <= 0 {
		f.DLQ.BaseBackoffMS = 5_000
	}
	if f.DLQ.MaxBackoffMS <= 0 {
		f.DLQ.MaxBackoffMS = 3_600_000
	}
	if f.DLQ.PollIntervalMS <= 0 {
		f.DLQ.PollIntervalMS = 1_000
	}
	if f.Timeouts.ExtractMS <= 0 {
		f.Timeouts.ExtractMS = 300_000
	}
	if f.Timeouts.UploadMS <= 0 {
		f.Timeouts.UploadMS = 120_000
	}
	if f.Timeouts.GraphTxMS <= 0 {
		f.Timeouts.GraphTxMS = 60_000
	}
	if f.Timeouts.DocumentMS <= 0 {
		f.Timeouts.DocumentMS = 1_800_000
	}
	if f.Bridge.OtherFractionWarn <= 0 {
		f.Bridge.OtherFractionWarn = 0.15
	}
	if f.Registry.CompactAfterDays <= 0 {
		f.Registry.CompactAfterDays = 30
	}
}

func (c BreakerConfig) FailureWindow() time.Duration {
	return time.Duration(c.FailureWindowMS) * time.Millisecond
}

func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

func (c DLQConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

func (c DLQConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c DLQConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c TimeoutConfig) Extract() time.Duration {
	return time.Duration(c.ExtractMS) * time.Millisecond
}

func (c TimeoutConfig) Upload() time.Duration {
	return time.Duration(c.UploadMS) * time.Millisecond
}

func (c TimeoutConfig) GraphTx() time.Duration {
	return time.Duration(c.GraphTxMS) * time.Millisecond
}

func (c TimeoutConfig) Document() time.Duration {
	return time.Duration(c.DocumentMS) * time.Millisecond
}
