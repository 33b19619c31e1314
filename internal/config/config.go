// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads BuildNet's core configuration from environment
// variables, mirroring the provisioner's RegistryConfig loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration keys the core reads, per the external
// interfaces section of the design documents.
type Config struct {
	NodeID      string
	ListenAddr  string
	CachePath   string
	LedgerPath  string

	MaxArtifactCacheBytes int64

	MaxConcurrentBuildsHigh   int
	MaxConcurrentBuildsNormal int
	MaxConcurrentBuildsLow    int

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	ElectionQuorum      int
	ElectionTimeout     time.Duration
	FailoverCooldown    time.Duration
	MaxFailoversPerHour int

	TaskTimeout        time.Duration
	MaxTaskRetries     int
	SchedulingStrategy string
	WorkStealingEnabled bool

	MetricsListenAddr    string
	LogLevel             string
	HasherWorkerPoolSize int

	// SecretPassphrase encrypts node identity material (the ledger
	// signing seed) at rest. An empty passphrase leaves that material
	// unencrypted on disk, which is fine for local development.
	SecretPassphrase string
}

// DefaultConfig returns the baseline configuration used when no
// environment overrides are present.
func DefaultConfig() Config {
	return Config{
		NodeID:                    "",
		ListenAddr:                ":7420",
		CachePath:                 "/var/lib/buildnet/cache",
		LedgerPath:                "/var/lib/buildnet/ledger.db",
		MaxArtifactCacheBytes:     10 << 30, // 10 GiB
		MaxConcurrentBuildsHigh:   8,
		MaxConcurrentBuildsNormal: 4,
		MaxConcurrentBuildsLow:    2,
		HeartbeatInterval:         5 * time.Second,
		HeartbeatTimeout:          15 * time.Second,
		ElectionQuorum:            2,
		ElectionTimeout:           10 * time.Second,
		FailoverCooldown:          60 * time.Second,
		MaxFailoversPerHour:       5,
		TaskTimeout:               30 * time.Minute,
		MaxTaskRetries:            3,
		SchedulingStrategy:        "least_loaded",
		WorkStealingEnabled:       false,
		MetricsListenAddr:         ":9420",
		LogLevel:                  "info",
		HasherWorkerPoolSize:      0, // 0 => runtime.NumCPU()
	}
}

// LoadConfigFromEnv loads configuration from environment variables,
// falling back to DefaultConfig for any unset key.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.NodeID = getenv("BUILDNET_NODE_ID", cfg.NodeID)
	cfg.ListenAddr = getenv("BUILDNET_LISTEN_ADDRESS", cfg.ListenAddr)
	cfg.CachePath = getenv("BUILDNET_CACHE_PATH", cfg.CachePath)
	cfg.LedgerPath = getenv("BUILDNET_LEDGER_PATH", cfg.LedgerPath)
	cfg.SchedulingStrategy = getenv("BUILDNET_SCHEDULING_STRATEGY", cfg.SchedulingStrategy)
	cfg.MetricsListenAddr = getenv("BUILDNET_METRICS_LISTEN_ADDRESS", cfg.MetricsListenAddr)
	cfg.LogLevel = getenv("BUILDNET_LOG_LEVEL", cfg.LogLevel)
	cfg.SecretPassphrase = getenv("BUILDNET_SECRET_PASSPHRASE", cfg.SecretPassphrase)

	var err error
	if cfg.MaxArtifactCacheBytes, err = getenvInt64("BUILDNET_MAX_ARTIFACT_CACHE_BYTES", cfg.MaxArtifactCacheBytes); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrentBuildsHigh, err = getenvInt("BUILDNET_MAX_CONCURRENT_BUILDS_HIGH", cfg.MaxConcurrentBuildsHigh); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrentBuildsNormal, err = getenvInt("BUILDNET_MAX_CONCURRENT_BUILDS_NORMAL", cfg.MaxConcurrentBuildsNormal); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrentBuildsLow, err = getenvInt("BUILDNET_MAX_CONCURRENT_BUILDS_LOW", cfg.MaxConcurrentBuildsLow); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatInterval, err = getenvDuration("BUILDNET_HEARTBEAT_INTERVAL_SECS", cfg.HeartbeatInterval); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatTimeout, err = getenvDuration("BUILDNET_HEARTBEAT_TIMEOUT_SECS", cfg.HeartbeatTimeout); err != nil {
		return cfg, err
	}
	if cfg.ElectionQuorum, err = getenvInt("BUILDNET_ELECTION_QUORUM", cfg.ElectionQuorum); err != nil {
		return cfg, err
	}
	if cfg.ElectionTimeout, err = getenvDuration("BUILDNET_ELECTION_TIMEOUT_SECS", cfg.ElectionTimeout); err != nil {
		return cfg, err
	}
	if cfg.FailoverCooldown, err = getenvDuration("BUILDNET_FAILOVER_COOLDOWN_SECS", cfg.FailoverCooldown); err != nil {
		return cfg, err
	}
	if cfg.MaxFailoversPerHour, err = getenvInt("BUILDNET_MAX_FAILOVERS_PER_HOUR", cfg.MaxFailoversPerHour); err != nil {
		return cfg, err
	}
	if cfg.TaskTimeout, err = getenvDuration("BUILDNET_TASK_TIMEOUT_SECS", cfg.TaskTimeout); err != nil {
		return cfg, err
	}
	if cfg.MaxTaskRetries, err = getenvInt("BUILDNET_MAX_TASK_RETRIES", cfg.MaxTaskRetries); err != nil {
		return cfg, err
	}
	if cfg.WorkStealingEnabled, err = getenvBool("BUILDNET_WORK_STEALING_ENABLED", cfg.WorkStealingEnabled); err != nil {
		return cfg, err
	}
	if cfg.HasherWorkerPoolSize, err = getenvInt("BUILDNET_HASHER_WORKER_POOL_SIZE", cfg.HasherWorkerPoolSize); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("BUILDNET_CACHE_PATH cannot be empty")
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("BUILDNET_LEDGER_PATH cannot be empty")
	}
	if c.MaxArtifactCacheBytes <= 0 {
		return fmt.Errorf("BUILDNET_MAX_ARTIFACT_CACHE_BYTES must be positive")
	}
	if c.MaxConcurrentBuildsHigh <= 0 || c.MaxConcurrentBuildsNormal <= 0 || c.MaxConcurrentBuildsLow <= 0 {
		return fmt.Errorf("max concurrent builds per tier must be positive")
	}
	if c.ElectionQuorum <= 0 {
		return fmt.Errorf("BUILDNET_ELECTION_QUORUM must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("BUILDNET_HEARTBEAT_TIMEOUT_SECS must exceed BUILDNET_HEARTBEAT_INTERVAL_SECS")
	}
	if c.MaxTaskRetries < 0 {
		return fmt.Errorf("BUILDNET_MAX_TASK_RETRIES cannot be negative")
	}
	switch c.SchedulingStrategy {
	case "round_robin", "least_loaded", "cache_affinity", "random", "best_fit":
	default:
		return fmt.Errorf("invalid BUILDNET_SCHEDULING_STRATEGY: %q", c.SchedulingStrategy)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return b, nil
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return n, nil
}

func getenvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}
