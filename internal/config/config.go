// Package config holds the on-disk client configuration for the sync
// engine: where the synced subtree lives, which remote subtree it mirrors,
// and the per-sync policy knobs (debris dir name, exclusion file, store
// path, scan-rate overrides).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmined/synccore/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".synccore", "config.json")
	DefaultDataDir    = filepath.Join(home, "SyncCore")
	DefaultStorePath  = filepath.Join(home, ".synccore", "state.db")
)

// DefaultDebrisDirName is the reserved leaf under the sync root that
// cloud-deleted files are moved into instead of being unlinked.
const DefaultDebrisDirName = ".synccore-debris"

type Config struct {
	DataDir       string `json:"data_dir"`
	AccountID     string `json:"account_id"`
	RemoteHandle  uint64 `json:"remote_handle"`
	StorePath     string `json:"store_path"`
	DebrisDirName string `json:"debris_dir"`
	IgnoreFile    string `json:"ignore_file"`
	NetworkFS     bool   `json:"network_fs"`
	ScanRateDS    int64  `json:"scan_rate_ds"`
	Path          string `json:"-"`
}

// Validate fills defaults and rejects configurations the engine cannot
// start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	resolved, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: resolve data_dir: %w", err)
	}
	c.DataDir = resolved

	if c.AccountID == "" {
		return errors.New("config: account_id is required")
	}
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	if c.DebrisDirName == "" {
		c.DebrisDirName = DefaultDebrisDirName
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
