// config.go - Configuration of the claims daemon.
//
// Files ending in .yaml or .yml are read as YAML, anything else as JSON.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageJSON   = "json"

	BackendPlain       = "plain"
	BackendCoprocessor = "coprocessor"
)

type Config struct {
	// Service
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Principal is the ledger's own identity, granted on every handle it shares.
	Principal      string `json:"principal" yaml:"principal"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`

	// Storage
	Storage      string `json:"storage" yaml:"storage"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	SnapshotPath string `json:"snapshot_path" yaml:"snapshot_path"`
	SyncWrites   bool   `json:"sync_writes" yaml:"sync_writes"`

	// Compute backend
	Backend string `json:"backend" yaml:"backend"`
	KeyDir  string `json:"key_dir" yaml:"key_dir"`

	// Evaluation throttle
	ThrottleEnabled  bool `json:"throttle_enabled" yaml:"throttle_enabled"`
	ThrottleBurst    int  `json:"throttle_burst" yaml:"throttle_burst"`
	ThrottleRefill   int  `json:"throttle_refill" yaml:"throttle_refill"`
	ThrottlePeriodMs int  `json:"throttle_period_ms" yaml:"throttle_period_ms"`

	// Per-principal admission
	RequestBurst      int `json:"request_burst" yaml:"request_burst"`
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`

	// Logging
	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format"`
	LogFile      string `json:"log_file" yaml:"log_file"`
	EnableAudit  bool   `json:"enable_audit" yaml:"enable_audit"`
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		Principal:         "claims-ledger",
		TimeoutSeconds:    30,
		Storage:           StorageBadger,
		DataDir:           "data",
		SnapshotPath:      "claims.json",
		Backend:           BackendCoprocessor,
		KeyDir:            "keys",
		ThrottleEnabled:   true,
		ThrottleBurst:     8,
		ThrottleRefill:    4,
		ThrottlePeriodMs:  10,
		RequestBurst:      20,
		RequestsPerMinute: 120,
		LogLevel:          "info",
		LogFormat:         "text",
		EnableAudit:       true,
		AuditLogPath:      "audit.log",
	}
}

// LoadConfig reads path, or writes and returns the defaults if it does not exist.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := SaveConfig(config, path); err != nil {
			return nil, errors.Wrap(err, "save default config")
		}
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	// Fields absent from the file keep their defaults.
	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(raw, config)
	} else {
		err = json.Unmarshal(raw, config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode config file %s", path)
	}
	return config, nil
}

func SaveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(config)
	} else {
		raw, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o644), "write config file")
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if c.Principal == "" {
		return errors.New("principal must be set")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	switch c.Storage {
	case StorageMemory:
	case StorageBadger:
		if c.DataDir == "" {
			return errors.New("data_dir must be set for badger storage")
		}
	case StorageJSON:
		if c.SnapshotPath == "" {
			return errors.New("snapshot_path must be set for json storage")
		}
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	switch c.Backend {
	case BackendPlain:
	case BackendCoprocessor:
		if c.KeyDir == "" {
			return errors.New("key_dir must be set for the coprocessor backend")
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if c.ThrottleEnabled {
		if c.ThrottleBurst <= 0 || c.ThrottleRefill <= 0 || c.ThrottlePeriodMs <= 0 {
			return errors.New("throttle_burst, throttle_refill and throttle_period_ms must be positive")
		}
	}
	if c.RequestBurst <= 0 || c.RequestsPerMinute <= 0 {
		return errors.New("request_burst and requests_per_minute must be positive")
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *Config) ThrottlePeriod() time.Duration {
	return time.Duration(c.ThrottlePeriodMs) * time.Millisecond
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
