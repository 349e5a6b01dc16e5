package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Storage kinds
const (
	KindJSON    = "json"
	KindYAML    = "yaml"
	KindMsgPack = "msgpack"
	KindCBOR    = "cbor"
	KindSQLite  = "sqlite"
	KindKV      = "kv"
	KindMemory  = "memory"
)

// Version is written by Default.
const Version = "1"

// Config represents the .smartobject/config.json of a project
type Config struct {
	Version         string          `json:"version"`
	PropertyMapsDir string          `json:"property_maps_dir,omitempty"` // relative to the project dir
	StorageDir      string          `json:"storage_dir,omitempty"`       // default dir of file storages
	LogLevel        string          `json:"log_level,omitempty"`         // logrus level name
	LogFormat       string          `json:"log_format,omitempty"`        // "text" or "json"
	DefaultStorage  string          `json:"default_storage,omitempty"`
	Storages        []StorageConfig `json:"storages"`
	Metrics         *MetricsConfig  `json:"metrics,omitempty"`
}

// MetricsConfig controls where the tally metrics of the app are reported.
type MetricsConfig struct {
	Prefix string `json:"prefix,omitempty"` // root scope name, "smartobject" when empty
	Log    bool   `json:"log,omitempty"`    // report to the log at debug level
	// Interval is a Go duration; values are also reported when the app closes.
	Interval string `json:"interval,omitempty"`
}

// StorageConfig describes one storage to define in the registry
type StorageConfig struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Path          string `json:"path,omitempty"`      // dir for file storages, db file for sqlite and kv
	Table         string `json:"table,omitempty"`     // sqlite table
	PKColumn      string `json:"pk_column,omitempty"` // sqlite primary key column
	Bucket        string `json:"bucket,omitempty"`    // kv bucket, also the key prefix
	AllowEmpty    *bool  `json:"allow_empty,omitempty"`
	InstantDelete *bool  `json:"instant_delete,omitempty"`
	SoftDelete    bool   `json:"soft_delete,omitempty"`
	Pretty        bool   `json:"pretty,omitempty"`
}

// Path returns the config file path for dir.
func Path(dir string) string {
	return filepath.Join(dir, ".smartobject", "config.json")
}

// Default returns the config of a fresh project: one JSON file storage.
func Default() *Config {
	return &Config{
		Version:         Version,
		PropertyMapsDir: "maps",
		StorageDir:      "data",
		LogLevel:        "info",
		LogFormat:       "text",
		DefaultStorage:  "default",
		Storages:        []StorageConfig{{ID: "default", Kind: KindJSON}},
	}
}

// LoadConfig reads .smartobject/config.json from the specified directory.
// Returns error if no config found - caller should handle accordingly.
func LoadConfig(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveConfig writes config.json to directory
func SaveConfig(dir string, cfg *Config) error {
	cfgDir := filepath.Dir(Path(dir))
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("failed to create .smartobject dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(Path(dir), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks storage ids and kinds.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, s := range c.Storages {
		if s.ID == "" {
			return fmt.Errorf("storage %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("storage %q defined twice", s.ID)
		}
		seen[s.ID] = true

		switch s.Kind {
		case KindJSON, KindYAML, KindMsgPack, KindCBOR, KindMemory:
		case KindSQLite:
			if s.Table == "" {
				return fmt.Errorf("storage %q: sqlite needs a table", s.ID)
			}
		case KindKV:
			if s.Bucket == "" {
				return fmt.Errorf("storage %q: kv needs a bucket", s.ID)
			}
		default:
			return fmt.Errorf("storage %q: unknown kind %q", s.ID, s.Kind)
		}
	}
	if c.DefaultStorage != "" && !seen[c.DefaultStorage] {
		return fmt.Errorf("default storage %q is not defined", c.DefaultStorage)
	}
	if _, err := c.MetricsInterval(); err != nil {
		return err
	}
	return nil
}

// MetricsInterval returns the configured reporting interval, zero when unset.
func (c *Config) MetricsInterval() (time.Duration, error) {
	if c.Metrics == nil || c.Metrics.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil {
		return 0, fmt.Errorf("metrics interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("metrics interval %s is negative", d)
	}
	return d, nil
}

// Resolve makes a relative path absolute against the project dir.
func Resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// StoragePath returns where storage s keeps its data. File storages default
// to <storage_dir>/<id>, sqlite and kv to <storage_dir>/<id>.db.
func (c *Config) StoragePath(dir string, s StorageConfig) string {
	if s.Path != "" {
		return Resolve(dir, s.Path)
	}
	base := Resolve(dir, c.StorageDir)
	if base == "" {
		base = dir
	}
	switch s.Kind {
	case KindSQLite, KindKV:
		return filepath.Join(base, s.ID+".db")
	}
	return filepath.Join(base, s.ID)
}
