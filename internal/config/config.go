// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from defaults, an optional YAML
// file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the worchflow daemon configuration.
type Config struct {
	// Redis configures the queue and hot-metadata store.
	Redis RedisConfig `yaml:"redis"`

	// Store configures the durable document store.
	Store StoreConfig `yaml:"store"`

	// QueuePrefix namespaces every Redis key for this deployment.
	QueuePrefix string `yaml:"queue_prefix"`

	// Worker configures the worker pool.
	Worker WorkerConfig `yaml:"worker"`

	// Scheduler configures cron scheduling and leader election.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// API configures the monitoring HTTP server.
	API APIConfig `yaml:"api"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig contains durable store settings.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	// Concurrency is the number of dequeue loops. Minimum 1.
	Concurrency int `yaml:"concurrency"`

	// Logging enables verbose per-execution logging.
	Logging bool `yaml:"logging"`
}

// SchedulerConfig contains cron scheduler settings.
type SchedulerConfig struct {
	// Enabled starts the scheduler alongside the worker pool.
	Enabled bool `yaml:"enabled"`

	// LeaderElection coordinates multiple scheduler instances through a
	// TTL key in Redis. Disabled, every instance fires its own timers.
	LeaderElection bool `yaml:"leader_election"`

	// LeaderTTL is the lifetime of the leader key.
	LeaderTTL time.Duration `yaml:"leader_ttl"`

	// LeaderCheckInterval is how often leadership is acquired or renewed.
	LeaderCheckInterval time.Duration `yaml:"leader_check_interval"`
}

// APIConfig contains monitoring HTTP server settings.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Store:       StoreConfig{Path: "worchflow.db"},
		QueuePrefix: "worchflow",
		Worker: WorkerConfig{
			Concurrency: 3,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			LeaderElection:      true,
			LeaderTTL:           60 * time.Second,
			LeaderCheckInterval: 30 * time.Second,
		},
		API: APIConfig{Addr: "localhost:8089"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), and environment variables. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration fields from environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WORCHFLOW_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("WORCHFLOW_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WORCHFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("WORCHFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("WORCHFLOW_QUEUE_PREFIX"); v != "" {
		cfg.QueuePrefix = v
	}
	if v := os.Getenv("WORCHFLOW_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("WORCHFLOW_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.QueuePrefix == "" {
		return fmt.Errorf("queue_prefix is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Scheduler.LeaderTTL <= 0 {
		return fmt.Errorf("scheduler.leader_ttl must be positive")
	}
	if c.Scheduler.LeaderCheckInterval <= 0 {
		return fmt.Errorf("scheduler.leader_check_interval must be positive")
	}
	return nil
}
