// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config resolves microflow's process-wide settings: environment
// variables first, then an optional YAML overlay for values the embedding
// application would rather check into a file than set per-process.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every process-wide setting the runner and queue/store
// selection need. Zero values come from Defaults(); Load overlays the
// environment, then MICROFLOW_CONFIG_FILE if set.
type Config struct {
	MaxConcurrentWorkflows int    `yaml:"max_concurrent_workflows"`
	MaxConcurrentTasks     int    `yaml:"max_concurrent_tasks"`
	QueueProvider          string `yaml:"queue_provider"` // "memory" or "redis"
	RedisURL               string `yaml:"redis_url"`
	QueueVisibilityTimeout int    `yaml:"queue_visibility_timeout_s"`
	DataDir                string `yaml:"data_dir"` // FileStore root when queue_provider is "memory"
}

const (
	QueueProviderMemory = "memory"
	QueueProviderRedis  = "redis"
)

// Defaults returns the configuration used when neither the environment nor
// a config file overrides a setting.
func Defaults() Config {
	return Config{
		MaxConcurrentWorkflows: 8,
		MaxConcurrentTasks:     32,
		QueueProvider:          QueueProviderMemory,
		QueueVisibilityTimeout: 30,
		DataDir:                "./data",
	}
}

// Load resolves Config from Defaults(), then the environment, then
// MICROFLOW_CONFIG_FILE (a YAML file) if that variable is set. Each layer
// only overrides values the previous layer set; an unset or empty field at
// one layer falls through to the one before it.
func Load() (Config, error) {
	cfg := Defaults()
	applyEnv(&cfg)

	if path, ok := os.LookupEnv("MICROFLOW_CONFIG_FILE"); ok && path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MICROFLOW_MAX_CONCURRENT_WORKFLOWS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentWorkflows = n
		}
	}
	if v, ok := os.LookupEnv("MICROFLOW_MAX_CONCURRENT_TASKS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v, ok := os.LookupEnv("QUEUE_PROVIDER"); ok && v != "" {
		cfg.QueueProvider = v
	}
	if v, ok := os.LookupEnv("REDIS_URL"); ok && v != "" {
		cfg.RedisURL = v
	}
	if v, ok := os.LookupEnv("MICROFLOW_QUEUE_VISIBILITY_TIMEOUT_S"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueVisibilityTimeout = n
		}
	}
	if v, ok := os.LookupEnv("MICROFLOW_DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
}

// applyFile overlays non-zero fields decoded from the YAML file at path
// onto cfg. A missing file is an error — MICROFLOW_CONFIG_FILE names a file
// the caller expects to exist.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	if overlay.MaxConcurrentWorkflows != 0 {
		cfg.MaxConcurrentWorkflows = overlay.MaxConcurrentWorkflows
	}
	if overlay.MaxConcurrentTasks != 0 {
		cfg.MaxConcurrentTasks = overlay.MaxConcurrentTasks
	}
	if overlay.QueueProvider != "" {
		cfg.QueueProvider = overlay.QueueProvider
	}
	if overlay.RedisURL != "" {
		cfg.RedisURL = overlay.RedisURL
	}
	if overlay.QueueVisibilityTimeout != 0 {
		cfg.QueueVisibilityTimeout = overlay.QueueVisibilityTimeout
	}
	if overlay.DataDir != "" {
		cfg.DataDir = overlay.DataDir
	}
	return nil
}

// Validate rejects settings that would make the runner or queue
// unusable.
func (c Config) Validate() error {
	if c.QueueProvider != QueueProviderMemory && c.QueueProvider != QueueProviderRedis {
		return fmt.Errorf("config: queue_provider must be %q or %q, got %q", QueueProviderMemory, QueueProviderRedis, c.QueueProvider)
	}
	if c.QueueProvider == QueueProviderRedis && c.RedisURL == "" {
		return fmt.Errorf("config: queue_provider %q requires redis_url", QueueProviderRedis)
	}
	if c.QueueProvider == QueueProviderMemory && c.DataDir == "" {
		return fmt.Errorf("config: queue_provider %q requires data_dir", QueueProviderMemory)
	}
	if c.QueueVisibilityTimeout <= 0 {
		return fmt.Errorf("config: queue_visibility_timeout_s must be positive, got %d", c.QueueVisibilityTimeout)
	}
	return nil
}
