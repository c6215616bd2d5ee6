// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package config loads and validates msgmirror configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables, in ascending priority.
package config

import "time"

// Config is the root configuration for msgmirror.
type Config struct {
	Source    SourceConfig    `koanf:"source"`
	Local     LocalConfig     `koanf:"local"`
	Warehouse WarehouseConfig `koanf:"warehouse"`
	Ledger    LedgerConfig    `koanf:"ledger"`
	Sync      SyncConfig      `koanf:"sync"`
	Checker   CheckerConfig   `koanf:"checker"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// SourceConfig holds the remote message API connection and retry settings.
//
// Environment Variables:
//   - SOURCE_BASE_URL, SOURCE_TOKEN, SOURCE_PAGE_SIZE
//   - SOURCE_RETRY_ATTEMPTS, SOURCE_RETRY_BASE_DELAY, SOURCE_RETRY_MAX_DELAY
//   - SOURCE_RATE_LIMIT_RETRIES, SOURCE_REQUESTS_PER_SECOND
type SourceConfig struct {
	BaseURL string `koanf:"base_url" validate:"required,url"`
	// Token is the bearer token for the source API. Acquisition/refresh is
	// the operator's problem; msgmirror only presents it.
	Token string `koanf:"token" validate:"required"`
	// PageSize is capped at MaxPageSize regardless of configuration.
	PageSize       int           `koanf:"page_size" validate:"gt=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
	// RetryAttempts bounds the generic transient-error retry loop.
	RetryAttempts  int           `koanf:"retry_attempts" validate:"gt=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `koanf:"retry_max_delay" validate:"gt=0"`
	// RateLimitRetries bounds 429 waits separately from RetryAttempts; a
	// server-directed pause does not consume the generic retry budget.
	RateLimitRetries  int     `koanf:"rate_limit_retries" validate:"gte=0"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	RequestBurst      int     `koanf:"request_burst" validate:"gt=0"`
	BreakerEnabled    bool    `koanf:"breaker_enabled"`
}

// MaxPageSize is the server-side page size ceiling of the message API.
const MaxPageSize = 500

// LocalConfig holds the badger-backed local store settings.
type LocalConfig struct {
	Path string `koanf:"path" validate:"required"`
	// InMemory runs badger without disk persistence. Test-only.
	InMemory bool `koanf:"in_memory"`
}

// WarehouseConfig holds the analytical warehouse settings. DSN accepts any
// duckdb connection string, including md: paths for MotherDuck.
type WarehouseConfig struct {
	DSN            string        `koanf:"dsn" validate:"required"`
	WriteRetries   int           `koanf:"write_retries" validate:"gt=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
}

// LedgerConfig holds the sync-status ledger settings.
type LedgerConfig struct {
	Path string `koanf:"path" validate:"required"`
	// OrphanThreshold is how long an in_progress run may sit untouched
	// before StartRun fails it as orphaned.
	OrphanThreshold time.Duration `koanf:"orphan_threshold" validate:"gt=0"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	Interval  time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize int           `koanf:"batch_size" validate:"gt=0"`
	// Concurrency bounds the per-page record-processing worker pool.
	Concurrency int `koanf:"concurrency" validate:"gt=0"`
	// DaysBack is the default window for runs that don't specify one.
	// 0 means unbounded (full history).
	DaysBack int `koanf:"days_back" validate:"gte=0"`
	// MaxErrorCount excludes records from the needs-sync repair set once
	// their error_count reaches this bound.
	MaxErrorCount   int  `koanf:"max_error_count" validate:"gt=0"`
	BackfillOnStart bool `koanf:"backfill_on_start"`
}

// CheckerConfig holds consistency checker settings.
type CheckerConfig struct {
	// Interval between scheduled checks; 0 disables the periodic loop.
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
	DaysBack int           `koanf:"days_back" validate:"gte=0"`
	// VerifyContent enables content-hash comparison when a record is
	// present in both stores (STALE detection).
	VerifyContent bool `koanf:"verify_content"`
	// SubBatchSize bounds how many IDs go into one Exists lookup.
	SubBatchSize int `koanf:"sub_batch_size" validate:"gt=0"`
}

// ServerConfig holds the operational HTTP surface settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	RequestsPerMin  int           `koanf:"requests_per_min" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			BaseURL:           "",
			Token:             "",
			PageSize:          100,
			RequestTimeout:    30 * time.Second,
			RetryAttempts:     5,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			RateLimitRetries:  5,
			RequestsPerSecond: 5,
			RequestBurst:      10,
			BreakerEnabled:    true,
		},
		Local: LocalConfig{
			Path: "/data/msgmirror/local",
		},
		Warehouse: WarehouseConfig{
			DSN:            "/data/msgmirror/warehouse.duckdb",
			WriteRetries:   3,
			RetryBaseDelay: 500 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			Path:            "/data/msgmirror/ledger.duckdb",
			OrphanThreshold: 2 * time.Hour,
		},
		Sync: SyncConfig{
			Interval:        15 * time.Minute,
			BatchSize:       100,
			Concurrency:     4,
			DaysBack:        30,
			MaxErrorCount:   5,
			BackfillOnStart: false,
		},
		Checker: CheckerConfig{
			Interval:      time.Hour,
			DaysBack:      7,
			VerifyContent: false,
			SubBatchSize:  500,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8480,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    10 * time.Minute, // synchronous runs can be slow
			RequestsPerMin:  120,
			CORSOrigins:     nil,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// EffectivePageSize returns the configured page size clamped to the API cap.
func (c *SourceConfig) EffectivePageSize() int {
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return c.PageSize
}
