// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/msgmirror/config.yaml",
	"/etc/msgmirror/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices, since
// env vars arrive as plain strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields converts comma-separated string values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names to koanf config paths. Only
// listed variables are honored, which keeps unrelated environment noise out
// of the configuration.
var envMappings = map[string]string{
	"source_base_url":           "source.base_url",
	"source_token":              "source.token",
	"source_page_size":          "source.page_size",
	"source_request_timeout":    "source.request_timeout",
	"source_retry_attempts":     "source.retry_attempts",
	"source_retry_base_delay":   "source.retry_base_delay",
	"source_retry_max_delay":    "source.retry_max_delay",
	"source_rate_limit_retries": "source.rate_limit_retries",
	"source_requests_per_sec":   "source.requests_per_second",
	"source_request_burst":      "source.request_burst",
	"source_breaker_enabled":    "source.breaker_enabled",

	"local_path":      "local.path",
	"local_in_memory": "local.in_memory",

	"warehouse_dsn":              "warehouse.dsn",
	"warehouse_write_retries":    "warehouse.write_retries",
	"warehouse_retry_base_delay": "warehouse.retry_base_delay",

	"ledger_path":             "ledger.path",
	"ledger_orphan_threshold": "ledger.orphan_threshold",

	"sync_interval":          "sync.interval",
	"sync_batch_size":        "sync.batch_size",
	"sync_concurrency":       "sync.concurrency",
	"sync_days_back":         "sync.days_back",
	"sync_max_error_count":   "sync.max_error_count",
	"sync_backfill_on_start": "sync.backfill_on_start",

	"checker_interval":       "checker.interval",
	"checker_days_back":      "checker.days_back",
	"checker_verify_content": "checker.verify_content",
	"checker_sub_batch_size": "checker.sub_batch_size",

	"server_host":             "server.host",
	"server_port":             "server.port",
	"server_read_timeout":     "server.read_timeout",
	"server_write_timeout":    "server.write_timeout",
	"server_requests_per_min": "server.requests_per_min",
	"server_cors_origins":     "server.cors_origins",
	"server_shutdown_timeout": "server.shutdown_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unlisted variables are dropped (empty return).
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
