// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the agent session runtime.
package config

// Config is the root configuration structure for the runtime.
type Config struct {
	Version        string               `json:"version"`
	Gateway        GatewayConfig        `json:"gateway"`
	Backend        BackendConfig        `json:"backend"`
	Runtimes       []RuntimeConfig      `json:"runtimes"`
	ExitMonitor    ExitMonitorConfig    `json:"exit_monitor"`
	ContextMonitor ContextMonitorConfig `json:"context_monitor"`
	Registry       RegistryConfig       `json:"registry"`
	Queue          QueueConfig          `json:"queue"`
	Logging        LoggingConfig        `json:"logging"`
}

// GatewayConfig configures the WebSocket terminal gateway.
type GatewayConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	TLSCert           string `json:"tls_cert"`
	TLSKey            string `json:"tls_key"`
	OutboundQueueSize int    `json:"outbound_queue_size"`
}

// BackendConfig configures default PTY sizing and caching windows for the Session Backend.
type BackendConfig struct {
	DefaultCols            int    `json:"default_cols"`
	DefaultRows            int    `json:"default_rows"`
	DefaultShell           string `json:"default_shell"`
	ExistsCacheTTL         string `json:"exists_cache_ttl"`
	CapturePaneCacheTTL    string `json:"capture_pane_cache_ttl"`
	ListSessionsMinRefresh string `json:"list_sessions_min_refresh"`
	SubscriberBufferSize   int    `json:"subscriber_buffer_size"`
}

// RuntimeConfig describes one supported CLI runtime (claude-code, gemini-cli, codex-cli, ...).
type RuntimeConfig struct {
	Type           string   `json:"type"`
	LaunchCommand  []string `json:"launch_command"`
	CompactCommand string   `json:"compact_command"`
	ReadyPatterns  []string `json:"ready_patterns"`
	ExitPatterns   []string `json:"exit_patterns"`
	ResumeFlag     string   `json:"resume_flag"`
}

// ExitMonitorConfig configures the Runtime Exit Monitor.
type ExitMonitorConfig struct {
	ConfirmationDelay string `json:"confirmation_delay"` // ~250ms
	LivenessInterval  string `json:"liveness_interval"`  // ~5s
	StartupGrace      string `json:"startup_grace"`      // ~10s
}

// ContextMonitorConfig configures the Context Window Monitor.
type ContextMonitorConfig struct {
	YellowThreshold         int    `json:"yellow_threshold"`
	RedThreshold            int    `json:"red_threshold"`
	CriticalThreshold       int    `json:"critical_threshold"`
	MaxCompactAttempts      int    `json:"max_compact_attempts"`
	CompactRetryCooldown    string `json:"compact_retry_cooldown"`
	RetryTickInterval       string `json:"retry_tick_interval"`
	ProactiveByteThreshold  int64  `json:"proactive_byte_threshold"` // ~500 KiB
	ProactiveCooldown       string `json:"proactive_cooldown"`       // ~10m
	StaleDetectionThreshold string `json:"stale_detection_threshold"`
	AutoRecoveryEnabled     bool   `json:"auto_recovery_enabled"` // default off
	MaxRecoveriesPerWindow  int    `json:"max_recoveries_per_window"`
	CooldownWindow          string `json:"cooldown_window"`
	UsageBroadcastDebounce  string `json:"usage_broadcast_debounce"` // ~10s
}

// RegistryConfig configures the Agent Registration / Restart Coordinator.
type RegistryConfig struct {
	ReadyTimeout         string `json:"ready_timeout"`
	InitWaitAfterRestart string `json:"init_wait_after_restart"`
	PasteBaseDelayMs     int    `json:"paste_base_delay_ms"`
	PasteMaxDelayMs      int    `json:"paste_max_delay_ms"`
	InterTaskGap         string `json:"inter_task_gap"`
	TaskFileCharLimit    int    `json:"task_file_char_limit"`
	OrchestratorName     string `json:"orchestrator_name"`
}

// QueueConfig configures the Message Queue & Chat Router.
type QueueConfig struct {
	DefaultMessageTimeout string `json:"default_message_timeout"` // ~120s
	TimeoutGrace          string `json:"timeout_grace"`
	PasteBaseDelayMs      int    `json:"paste_base_delay_ms"`
	PasteMaxDelayMs       int    `json:"paste_max_delay_ms"`
}

// LoggingConfig configures the ambient logger.
type LoggingConfig struct {
	Level string `json:"level"`
}
