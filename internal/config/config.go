/*
ComfyVN Studio is a local-first orchestration server for visual novel authoring.
Copyright (C) 2026  ComfyVN Studio Contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config loads control-plane configuration from the environment
// with typed parse helpers and documented defaults. Command-line flags on
// `studio serve` override whatever this package resolves.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the control plane.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8723".
	ListenAddr string

	// DataDir is the root for persisted state (db, assets, provenance).
	DataDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogPath is the server log file; empty logs to stderr only.
	LogPath string

	// Budget limits.
	CPUPctMax           float64
	VRAMMBMax           int64
	ConcurrentLocalMax  int
	ConcurrentRemoteMax int
	LazyEvictionEnabled bool

	// Scheduler.
	MaxAttempts      int
	RetryBackoffBase time.Duration

	// Event bus.
	HistorySize    int
	WSQueueSize    int
	WebhookTimeout time.Duration

	// Providers.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Registry.
	SidecarWriteTimeout time.Duration
	ThumbnailMaxDim     int

	// API.
	RateLimitPerMinute int
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		ListenAddr:          ":8723",
		DataDir:             "data",
		LogLevel:            "info",
		LogPath:             "logs/server.log",
		CPUPctMax:           90,
		VRAMMBMax:           8192,
		ConcurrentLocalMax:  2,
		ConcurrentRemoteMax: 4,
		LazyEvictionEnabled: true,
		MaxAttempts:         3,
		RetryBackoffBase:    500 * time.Millisecond,
		HistorySize:         10000,
		WSQueueSize:         256,
		WebhookTimeout:      60 * time.Second,
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        30 * time.Second,
		SidecarWriteTimeout: 10 * time.Second,
		ThumbnailMaxDim:     512,
		RateLimitPerMinute:  600,
	}
}

// Load resolves the configuration from environment variables on top of the
// defaults. Invalid values fail loudly rather than being ignored.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("STUDIO_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STUDIO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STUDIO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STUDIO_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}

	var err error
	if cfg.CPUPctMax, err = envFloat("STUDIO_CPU_PCT_MAX", cfg.CPUPctMax); err != nil {
		return cfg, err
	}
	if cfg.VRAMMBMax, err = envInt64("STUDIO_VRAM_MB_MAX", cfg.VRAMMBMax); err != nil {
		return cfg, err
	}
	if cfg.ConcurrentLocalMax, err = envInt("STUDIO_CONCURRENT_LOCAL_MAX", cfg.ConcurrentLocalMax); err != nil {
		return cfg, err
	}
	if cfg.ConcurrentRemoteMax, err = envInt("STUDIO_CONCURRENT_REMOTE_MAX", cfg.ConcurrentRemoteMax); err != nil {
		return cfg, err
	}
	if cfg.LazyEvictionEnabled, err = envBool("STUDIO_LAZY_EVICTION", cfg.LazyEvictionEnabled); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = envInt("STUDIO_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.HistorySize, err = envInt("STUDIO_HOOK_HISTORY_SIZE", cfg.HistorySize); err != nil {
		return cfg, err
	}
	if cfg.WSQueueSize, err = envInt("STUDIO_WS_QUEUE_SIZE", cfg.WSQueueSize); err != nil {
		return cfg, err
	}
	if cfg.WebhookTimeout, err = envDuration("STUDIO_WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return cfg, err
	}
	if cfg.ProbeInterval, err = envDuration("STUDIO_PROBE_INTERVAL", cfg.ProbeInterval); err != nil {
		return cfg, err
	}
	if cfg.ProbeTimeout, err = envDuration("STUDIO_PROBE_TIMEOUT", cfg.ProbeTimeout); err != nil {
		return cfg, err
	}
	if cfg.SidecarWriteTimeout, err = envDuration("STUDIO_SIDECAR_TIMEOUT", cfg.SidecarWriteTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitPerMinute, err = envInt("STUDIO_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return d, nil
}
