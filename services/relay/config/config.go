// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and watches the relay configuration.
//
// Configuration is layered: built-in defaults, then the YAML file, then
// environment variables. The fallback table supports hot reload so
// operators can reroute traffic away from a degraded model without
// restarting the relay.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration Types
// =============================================================================

// ProviderConfig describes one upstream model provider.
type ProviderConfig struct {
	// Name is the provider key clients use in "provider:model" IDs.
	Name string `yaml:"name"`

	// Kind selects the wire protocol: "openai" for OpenAI-compatible SSE
	// endpoints, "ndjson" for newline-delimited JSON endpoints (Ollama).
	Kind string `yaml:"kind"`

	// BaseURL is the provider root, including any version prefix the
	// protocol expects (e.g. https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`
}

// BreakerConfig tunes per-model circuit breaking.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// QueueConfig tunes the persistence queue.
type QueueConfig struct {
	// CoalesceWindow is how long same-session turns wait to share one
	// backend write.
	CoalesceWindow time.Duration `yaml:"coalesce_window"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// JournalPath is the on-disk journal directory. Empty means
	// in-memory (turns do not survive a restart).
	JournalPath string `yaml:"journal_path"`

	// BatchSupported enables the backend's batch append endpoint.
	BatchSupported bool `yaml:"batch_supported"`
}

// Config is the full relay configuration.
//
// # Environment Overrides
//
//   - ALEUTIAN_RELAY_LISTEN: overrides Listen
//   - ALEUTIAN_IDENTITY_URL: overrides IdentityURL
//   - ALEUTIAN_BACKEND_URL: overrides BackendURL
//   - ALEUTIAN_REFRESH_TOKEN: sets RefreshToken (never put this in YAML)
//   - ALEUTIAN_JWT_SECRET: sets JWTSecret, enables JWT auth
//   - ALEUTIAN_RATE_LIMIT_RPS: overrides RateLimitRPS
type Config struct {
	// Listen is the HTTP bind address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// IdentityURL is the identity service that exchanges refresh tokens
	// for gateway API keys.
	IdentityURL string `yaml:"identity_url"`

	// BackendURL is the conversation backend for session and turn
	// persistence.
	BackendURL string `yaml:"backend_url"`

	// RefreshToken authenticates against the identity service.
	// Environment-only; never serialized.
	RefreshToken string `yaml:"-"`

	// JWTSecret enables JWT validation of client tokens when non-empty.
	// Environment-only; never serialized.
	JWTSecret string `yaml:"-"`

	Providers []ProviderConfig `yaml:"providers"`

	// Fallbacks maps a model ID to the model substituted when its
	// circuit opens. Hot-reloadable.
	Fallbacks map[string]string `yaml:"fallbacks"`

	// RateLimitRPS paces upstream request issuance. Zero disables.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	// MaxRetryAttempts bounds rate-limit and unavailable retries per turn.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// TraceExporter selects the span exporter: "none" or "stdout".
	TraceExporter string `yaml:"trace_exporter"`

	Breaker BreakerConfig `yaml:"breaker"`
	Queue   QueueConfig   `yaml:"queue"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:           ":8080",
		IdentityURL:      "http://localhost:8081",
		BackendURL:       "http://localhost:8082",
		Fallbacks:        map[string]string{},
		RateLimitBurst:   4,
		MaxRetryAttempts: 5,
		TraceExporter:    "none",
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         30 * time.Second,
		},
		Queue: QueueConfig{
			CoalesceWindow: 75 * time.Millisecond,
			MaxAttempts:    5,
		},
	}
}

// Load reads the configuration from path, layering defaults, the YAML
// file, and environment overrides.
//
// # Inputs
//
//   - path: YAML file path. Empty means defaults plus environment only.
//
// # Outputs
//
//   - *Config: Merged configuration.
//   - error: Non-nil on unreadable file, malformed YAML, or validation
//     failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ALEUTIAN_RELAY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("ALEUTIAN_IDENTITY_URL"); v != "" {
		cfg.IdentityURL = v
	}
	if v := os.Getenv("ALEUTIAN_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv("ALEUTIAN_REFRESH_TOKEN"); v != "" {
		cfg.RefreshToken = v
	}
	if v := os.Getenv("ALEUTIAN_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ALEUTIAN_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = rps
		} else {
			slog.Warn("Ignoring malformed ALEUTIAN_RATE_LIMIT_RPS", "value", v)
		}
	}
}

// validate rejects configurations the relay cannot start with.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("config: provider entries need name and base_url")
		}
		if p.Kind != "openai" && p.Kind != "ndjson" {
			return fmt.Errorf("config: provider %q has unknown kind %q", p.Name, p.Kind)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	if c.TraceExporter != "" && c.TraceExporter != "none" && c.TraceExporter != "stdout" {
		return fmt.Errorf("config: unknown trace_exporter %q", c.TraceExporter)
	}
	return nil
}

// =============================================================================
// Hot Reload
// =============================================================================

// FallbackTable holds the live model fallback mapping.
//
// # Description
//
// The stream coordinator reads the table on every fallback decision;
// Watch replaces the mapping when the config file changes on disk. A
// failed reload keeps the previous mapping.
//
// # Thread Safety
//
// Safe for concurrent use.
type FallbackTable struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewFallbackTable creates a table seeded with the given mapping.
func NewFallbackTable(m map[string]string) *FallbackTable {
	if m == nil {
		m = map[string]string{}
	}
	return &FallbackTable{m: m}
}

// Lookup returns the fallback for modelID, if one is configured.
func (t *FallbackTable) Lookup(modelID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fallback, ok := t.m[modelID]
	return fallback, ok
}

// Replace swaps in a new mapping.
func (t *FallbackTable) Replace(m map[string]string) {
	if m == nil {
		m = map[string]string{}
	}
	t.mu.Lock()
	t.m = m
	t.mu.Unlock()
}

// Watch re-reads the config file whenever it changes and pushes the new
// fallback table. Blocks until ctx is canceled.
//
// # Description
//
// Watches the file's directory rather than the file itself so editors
// that replace the file (rename-over) keep triggering reloads. Only the
// fallback table is applied at runtime; other settings need a restart.
//
// # Inputs
//
//   - ctx: Cancels the watch.
//   - path: YAML file to watch. Must be the file Load was called with.
//   - table: Table receiving reloaded mappings.
func Watch(ctx context.Context, path string, table *FallbackTable) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				slog.Error("Config reload failed, keeping previous fallbacks", "error", err)
				continue
			}
			table.Replace(cfg.Fallbacks)
			slog.Info("Reloaded fallback table", "entries", len(cfg.Fallbacks))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
