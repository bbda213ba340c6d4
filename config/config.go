package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"agentstate/storage"
)

// Config is the on-disk shape of an engine's configuration file. Every
// field except SyncMode maps directly onto storage.Options (SyncMode has no
// counterpart there and ToOptions drops it); zero values mean "use the
// engine's default" the same way storage.Options.setDefaults treats them.
type Config struct {
	DataDir string `json:"data_dir"`
	Region  string `json:"region"`

	MaxSegmentSizeBytes uint32 `json:"max_segment_size_bytes"`
	// SyncMode is recognized for parity with spec.md §6's wal.sync_mode, but
	// Go's os.File.Sync always performs a full metadata sync on every
	// platform this module targets — there is no fdatasync-equivalent in the
	// standard library — so "data" and "metadata" currently behave
	// identically. See DESIGN.md.
	SyncMode string `json:"wal_sync_mode"`

	WatchMaxEvents int `json:"watch_max_events"`
	WatchMaxBytes  int `json:"watch_max_bytes"`

	DefaultQueryLimit int `json:"default_query_limit"`
	MaxQueryLimit     int `json:"max_query_limit"`

	DefaultLeaseTTLSeconds int `json:"default_lease_ttl_seconds"`
	MaxLeaseTTLSeconds     int `json:"max_lease_ttl_seconds"`
	SweepIntervalSeconds   int `json:"sweep_interval_seconds"`

	IdempotencyRetentionSeconds int `json:"idempotency_retention_seconds"`
}

// Load reads path, stripping // and /* */ comments before parsing, the way
// the reference corpus's own JSONC-backed config layer does.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	stripped := jsonc.ToJSON(raw)

	var cfg Config
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath returns an absolute path relative to homeDir when path isn't
// already absolute, the way every component resolves DataDir relative to
// a configured home rather than the process's working directory.
func ResolvePath(homeDir, path string) string {
	if path == "" || path == "." {
		return homeDir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(homeDir, path)
}

// ToOptions converts the on-disk config into storage.Options, leaving the
// Logger and Recorder fields for the caller to attach.
func (c Config) ToOptions(homeDir string) storage.Options {
	return storage.Options{
		DataDir:              ResolvePath(homeDir, c.DataDir),
		Region:               c.Region,
		MaxSegmentSize:       c.MaxSegmentSizeBytes,
		WatchMaxEvents:       c.WatchMaxEvents,
		WatchMaxBytes:        c.WatchMaxBytes,
		DefaultQueryLimit:    c.DefaultQueryLimit,
		MaxQueryLimit:        c.MaxQueryLimit,
		DefaultLeaseTTL:      time.Duration(c.DefaultLeaseTTLSeconds) * time.Second,
		MaxLeaseTTL:          time.Duration(c.MaxLeaseTTLSeconds) * time.Second,
		SweepInterval:        time.Duration(c.SweepIntervalSeconds) * time.Second,
		IdempotencyRetention: time.Duration(c.IdempotencyRetentionSeconds) * time.Second,
	}
}

// WriteDefault writes a sample configuration file to configPath, creating
// homeDir (and a data/ subdirectory under it) if necessary.
func WriteDefault(homeDir, configPath string) error {
	if err := os.MkdirAll(ResolvePath(homeDir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	cfg := Config{
		DataDir:                     "data",
		SyncMode:                    "data",
		WatchMaxEvents:              1024,
		WatchMaxBytes:               16 * 1024 * 1024,
		DefaultQueryLimit:           100,
		MaxQueryLimit:               10000,
		DefaultLeaseTTLSeconds:      30,
		MaxLeaseTTLSeconds:          3600,
		SweepIntervalSeconds:        10,
		IdempotencyRetentionSeconds: 86400,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
