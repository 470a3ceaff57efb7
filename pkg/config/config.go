// Package config loads the hub's YAML configuration file and resolves
// the per-user data directory, with environment variables taking
// precedence over the file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddr is the loopback listener the server binds when
	// neither the config file nor NEXUS_LISTEN_ADDR overrides it.
	DefaultListenAddr = "127.0.0.1:9600"

	// FileName is the config file's name inside the data directory.
	FileName = "config.yaml"

	envHome       = "NEXUS_HOME"
	envListenAddr = "NEXUS_LISTEN_ADDR"
)

// Retry holds the delivery retry-worker tunables. They are read when
// the event workers are built; a reload seen by Watch does not change
// a running worker, and neither does it change the listener address.
type Retry struct {
	ClaimIntervalSeconds int `yaml:"claim_interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	StrandedAfterMinutes int `yaml:"stranded_after_minutes"`
}

// Config is the on-disk shape of config.yaml.
type Config struct {
	ListenAddr            string `yaml:"listen_addr"`
	AccessTokenTTLSeconds int    `yaml:"access_token_ttl_seconds"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`
	ApprovalTimeoutSecs   int    `yaml:"approval_timeout_seconds"`
	Retry                 Retry  `yaml:"retry"`

	// dataDir is resolved at load time, never read from the file.
	dataDir string
}

// DataDir resolves the per-user data directory: NEXUS_HOME if set,
// otherwise ~/.nexus.
func DataDir() (string, error) {
	if home := os.Getenv(envHome); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".nexus"), nil
}

// Load reads dataDir/config.yaml, tolerating a missing file (all
// defaults apply) and applying environment overrides on top.
func Load(dataDir string) (*Config, error) {
	c := &Config{dataDir: dataDir}

	raw, err := os.ReadFile(filepath.Join(dataDir, FileName))
	switch {
	case os.IsNotExist(err):
		// fresh install
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, err
		}
	}

	c.applyDefaults()
	c.applyEnv()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.AccessTokenTTLSeconds <= 0 {
		c.AccessTokenTTLSeconds = 3600
	}
	if c.RefreshTokenTTLDays <= 0 {
		c.RefreshTokenTTLDays = 30
	}
	if c.ApprovalTimeoutSecs <= 0 {
		c.ApprovalTimeoutSecs = 60
	}
	if c.Retry.ClaimIntervalSeconds <= 0 {
		c.Retry.ClaimIntervalSeconds = 5
	}
	if c.Retry.BatchSize <= 0 {
		c.Retry.BatchSize = 50
	}
	if c.Retry.StrandedAfterMinutes <= 0 {
		c.Retry.StrandedAfterMinutes = 2
	}
}

func (c *Config) applyEnv() {
	if addr := os.Getenv(envListenAddr); addr != "" {
		c.ListenAddr = addr
	}
}

// DataPath joins name onto the resolved data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.dataDir, name)
}

// AccessTokenTTL returns the configured access-token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSeconds) * time.Second
}

// RefreshTokenTTL returns the configured refresh-token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

// ApprovalTimeout returns the just-in-time approval wait ceiling.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSecs) * time.Second
}

// ClaimInterval returns the delivery worker's polling period.
func (c *Config) ClaimInterval() time.Duration {
	return time.Duration(c.Retry.ClaimIntervalSeconds) * time.Second
}

// StrandedAfter returns how long an in-flight delivery may sit
// unfinished before the sweeper reclaims it.
func (c *Config) StrandedAfter() time.Duration {
	return time.Duration(c.Retry.StrandedAfterMinutes) * time.Minute
}
