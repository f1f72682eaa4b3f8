// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to an intermediate map, then round-trip through JSON so
	// struct tags give us typed decoding and defaulting.
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// DefaultConfig returns a Config with every default applied and no config
// file read, for callers that want to run without one on disk.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// FindConfig searches for a config file in the current directory.
// It looks for runtime.hjson first, then runtime.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"runtime.hjson",
		"runtime.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for runtime.hjson, runtime.json)")
}

// applyDefaults sets default values for missing config fields, and seeds the
// built-in runtime table when no runtimes are configured.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 7100
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.OutboundQueueSize == 0 {
		cfg.Gateway.OutboundQueueSize = 256
	}

	if cfg.Backend.DefaultCols == 0 {
		cfg.Backend.DefaultCols = 120
	}
	if cfg.Backend.DefaultRows == 0 {
		cfg.Backend.DefaultRows = 40
	}
	if cfg.Backend.DefaultShell == "" {
		cfg.Backend.DefaultShell = "/bin/sh"
	}
	if cfg.Backend.ExistsCacheTTL == "" {
		cfg.Backend.ExistsCacheTTL = "10s"
	}
	if cfg.Backend.CapturePaneCacheTTL == "" {
		cfg.Backend.CapturePaneCacheTTL = "2s"
	}
	if cfg.Backend.ListSessionsMinRefresh == "" {
		cfg.Backend.ListSessionsMinRefresh = "3s"
	}
	if cfg.Backend.SubscriberBufferSize == 0 {
		cfg.Backend.SubscriberBufferSize = 256
	}

	if len(cfg.Runtimes) == 0 {
		cfg.Runtimes = DefaultRuntimes()
	}

	if cfg.ExitMonitor.ConfirmationDelay == "" {
		cfg.ExitMonitor.ConfirmationDelay = "250ms"
	}
	if cfg.ExitMonitor.LivenessInterval == "" {
		cfg.ExitMonitor.LivenessInterval = "5s"
	}
	if cfg.ExitMonitor.StartupGrace == "" {
		cfg.ExitMonitor.StartupGrace = "10s"
	}

	if cfg.ContextMonitor.YellowThreshold == 0 {
		cfg.ContextMonitor.YellowThreshold = 70
	}
	if cfg.ContextMonitor.RedThreshold == 0 {
		cfg.ContextMonitor.RedThreshold = 85
	}
	if cfg.ContextMonitor.CriticalThreshold == 0 {
		cfg.ContextMonitor.CriticalThreshold = 95
	}
	if cfg.ContextMonitor.MaxCompactAttempts == 0 {
		cfg.ContextMonitor.MaxCompactAttempts = 3
	}
	if cfg.ContextMonitor.CompactRetryCooldown == "" {
		cfg.ContextMonitor.CompactRetryCooldown = "60s"
	}
	if cfg.ContextMonitor.RetryTickInterval == "" {
		cfg.ContextMonitor.RetryTickInterval = "30s"
	}
	if cfg.ContextMonitor.ProactiveByteThreshold == 0 {
		cfg.ContextMonitor.ProactiveByteThreshold = 500 * 1024
	}
	if cfg.ContextMonitor.ProactiveCooldown == "" {
		cfg.ContextMonitor.ProactiveCooldown = "10m"
	}
	if cfg.ContextMonitor.StaleDetectionThreshold == "" {
		cfg.ContextMonitor.StaleDetectionThreshold = "15m"
	}
	if cfg.ContextMonitor.MaxRecoveriesPerWindow == 0 {
		cfg.ContextMonitor.MaxRecoveriesPerWindow = 3
	}
	if cfg.ContextMonitor.CooldownWindow == "" {
		cfg.ContextMonitor.CooldownWindow = "30m"
	}
	if cfg.ContextMonitor.UsageBroadcastDebounce == "" {
		cfg.ContextMonitor.UsageBroadcastDebounce = "10s"
	}
	// AutoRecoveryEnabled intentionally left false by default: compact-first
	// with periodic retry is the canonical recovery path; auto-recovery is
	// opt-in.

	if cfg.Registry.ReadyTimeout == "" {
		cfg.Registry.ReadyTimeout = "30s"
	}
	if cfg.Registry.InitWaitAfterRestart == "" {
		cfg.Registry.InitWaitAfterRestart = "3s"
	}
	if cfg.Registry.PasteBaseDelayMs == 0 {
		cfg.Registry.PasteBaseDelayMs = 100
	}
	if cfg.Registry.PasteMaxDelayMs == 0 {
		cfg.Registry.PasteMaxDelayMs = 5000
	}
	if cfg.Registry.InterTaskGap == "" {
		cfg.Registry.InterTaskGap = "2s"
	}
	if cfg.Registry.TaskFileCharLimit == 0 {
		cfg.Registry.TaskFileCharLimit = 2000
	}
	if cfg.Registry.OrchestratorName == "" {
		cfg.Registry.OrchestratorName = "agentmux-orc"
	}

	if cfg.Queue.DefaultMessageTimeout == "" {
		cfg.Queue.DefaultMessageTimeout = "120s"
	}
	if cfg.Queue.TimeoutGrace == "" {
		cfg.Queue.TimeoutGrace = "5s"
	}
	if cfg.Queue.PasteBaseDelayMs == 0 {
		cfg.Queue.PasteBaseDelayMs = 50
	}
	if cfg.Queue.PasteMaxDelayMs == 0 {
		cfg.Queue.PasteMaxDelayMs = 5000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// DefaultRuntimes returns the built-in runtime table for claude-code,
// gemini-cli, and codex-cli, used when the config file omits "runtimes".
func DefaultRuntimes() []RuntimeConfig {
	return []RuntimeConfig{
		{
			Type:           "claude-code",
			LaunchCommand:  []string{"claude"},
			CompactCommand: "/compact",
			ReadyPatterns:  []string{`(?i)try\s+"`, `(?i)\? for shortcuts`},
			ExitPatterns:   []string{`(?i)\$\s*$`, `(?i)claude.*exited`},
			ResumeFlag:     "--resume",
		},
		{
			Type:           "gemini-cli",
			LaunchCommand:  []string{"gemini"},
			CompactCommand: "/compress",
			ReadyPatterns:  []string{`(?i)gemini>`, `(?i)type your message`},
			ExitPatterns:   []string{`(?i)\$\s*$`},
			ResumeFlag:     "--resume",
		},
		{
			Type:           "codex-cli",
			LaunchCommand:  []string{"codex"},
			CompactCommand: "",
			ReadyPatterns:  []string{`(?i)codex>`},
			ExitPatterns:   []string{`(?i)\$\s*$`},
			ResumeFlag:     "",
		},
	}
}
