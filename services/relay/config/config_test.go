// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 75*time.Millisecond, cfg.Queue.CoalesceWindow)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, "none", cfg.TraceExporter)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
listen: ":9090"
providers:
  - name: openai
    kind: openai
    base_url: https://api.openai.com/v1
  - name: local
    kind: ndjson
    base_url: http://localhost:11434
fallbacks:
  "openai:gpt-4o": "local:llama3"
rate_limit_rps: 10
trace_exporter: stdout
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "local:llama3", cfg.Fallbacks["openai:gpt-4o"])
	assert.Equal(t, float64(10), cfg.RateLimitRPS)
	assert.Equal(t, "stdout", cfg.TraceExporter)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `listen: ":9090"`)
	t.Setenv("ALEUTIAN_RELAY_LISTEN", ":7070")
	t.Setenv("ALEUTIAN_REFRESH_TOKEN", "secret-token")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "secret-token", cfg.RefreshToken, "refresh token should come from environment")
}

func TestLoad_RejectsUnknownProviderKind(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
providers:
  - name: weird
    kind: soap
    base_url: http://example.com
`)
	_, err := Load(path)
	assert.Error(t, err, "unknown provider kind should be rejected")
}

func TestLoad_RejectsDuplicateProvider(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
providers:
  - name: openai
    kind: openai
    base_url: http://a
  - name: openai
    kind: openai
    base_url: http://b
`)
	_, err := Load(path)
	assert.Error(t, err, "duplicate provider name should be rejected")
}

func TestLoad_RejectsUnknownTraceExporter(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `trace_exporter: jaeger`)
	_, err := Load(path)
	assert.Error(t, err, "unknown trace exporter should be rejected")
}

func TestFallbackTable_Lookup(t *testing.T) {
	table := NewFallbackTable(map[string]string{"a:big": "a:small"})

	got, ok := table.Lookup("a:big")
	require.True(t, ok)
	assert.Equal(t, "a:small", got)

	_, ok = table.Lookup("missing")
	assert.False(t, ok, "missing model should have no fallback")

	table.Replace(map[string]string{"a:big": "b:tiny"})
	got, _ = table.Lookup("a:big")
	assert.Equal(t, "b:tiny", got)
}

func TestWatch_ReloadsFallbacks(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
fallbacks:
  "a:big": "a:small"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	table := NewFallbackTable(cfg.Fallbacks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchErr := make(chan error, 1)
	go func() { watchErr <- Watch(ctx, path, table) }()

	// Give the watcher a moment to register before rewriting.
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, dir, `
fallbacks:
  "a:big": "b:tiny"
`)

	deadline := time.After(5 * time.Second)
	for {
		if got, _ := table.Lookup("a:big"); got == "b:tiny" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("fallback table not reloaded after config change")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	require.NoError(t, <-watchErr)
}
