// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/collab"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/ctxmon"
	"github.com/wingedpig/agentrund/internal/runtime"
)

func testBackend(t *testing.T) *backend.Manager {
	t.Helper()
	mgr := backend.NewManager(config.BackendConfig{
		DefaultCols:            80,
		DefaultRows:            24,
		DefaultShell:           "/bin/sh",
		ExistsCacheTTL:         "20ms",
		CapturePaneCacheTTL:    "10ms",
		ListSessionsMinRefresh: "20ms",
		SubscriberBufferSize:   32,
	})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func testRuntimes(t *testing.T) *runtime.Table {
	t.Helper()
	cfgs := []config.RuntimeConfig{{
		Type:           "echoer",
		LaunchCommand:  []string{"/bin/sh", "-c", "echo ready-for-input; cat"},
		ReadyPatterns:  []string{"ready-for-input"},
		ExitPatterns:   []string{"goodbye"},
		CompactCommand: "",
	}}
	table, err := runtime.NewTable(cfgs)
	require.NoError(t, err)
	return table
}

func registryCfg() config.RegistryConfig {
	return config.RegistryConfig{
		ReadyTimeout:         "2s",
		InitWaitAfterRestart: "10ms",
		PasteBaseDelayMs:     1,
		PasteMaxDelayMs:      50,
		InterTaskGap:         "5ms",
		TaskFileCharLimit:    4000,
	}
}

func TestCreateAgentSession_BecomesActiveOnReadyPattern(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	c := New(be, testRuntimes(t), nil, nil, storage, nil, nil, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{
		Name:        "agent-1",
		RuntimeType: "echoer",
		Role:        "developer",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storage.StatusOf("agent-1") == collab.StatusActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateAgentSession_IsIdempotent(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	c := New(be, testRuntimes(t), nil, nil, storage, nil, nil, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	s1, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{Name: "agent-2", RuntimeType: "echoer"})
	require.NoError(t, err)
	s2, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{Name: "agent-2", RuntimeType: "echoer"})
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestTerminateAgentSession_MarksInactive(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	memory := collab.NewFakeMemory()
	c := New(be, testRuntimes(t), nil, nil, storage, nil, memory, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{Name: "agent-3", RuntimeType: "echoer"})
	require.NoError(t, err)

	require.NoError(t, c.TerminateAgentSession(context.Background(), "agent-3"))
	require.Equal(t, collab.StatusInactive, storage.StatusOf("agent-3"))
	require.False(t, be.SessionExists("agent-3"))
}

func TestHandleConfirmedExit_RestartsWhenTasksPending(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	taskTracking := collab.NewFakeTaskTracking()
	taskTracking.SetTasks("member-1", []collab.InProgressTask{{ID: "t1", TaskName: "keep going"}})

	c := New(be, testRuntimes(t), nil, nil, storage, taskTracking, nil, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{
		Name:        "agent-4",
		RuntimeType: "echoer",
		MemberID:    "member-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storage.StatusOf("agent-4") == collab.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	c.handleConfirmedExit("agent-4")

	require.Eventually(t, func() bool {
		return be.SessionExists("agent-4")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestart_RedeliversEveryPendingTask(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	taskTracking := collab.NewFakeTaskTracking()

	taskDir := t.TempDir()
	firstPath := filepath.Join(taskDir, "first-task.md")
	secondPath := filepath.Join(taskDir, "second-task.md")
	require.NoError(t, os.WriteFile(firstPath, []byte("continue the first task"), 0o644))
	require.NoError(t, os.WriteFile(secondPath, []byte("continue the second task"), 0o644))

	taskTracking.SetTasks("member-2", []collab.InProgressTask{
		{ID: "t1", TaskName: "first task", TaskFilePath: firstPath},
		{ID: "t2", TaskName: "second task", TaskFilePath: secondPath},
	})

	c := New(be, testRuntimes(t), nil, nil, storage, taskTracking, nil, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{
		Name:        "agent-6",
		RuntimeType: "echoer",
		MemberID:    "member-2",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storage.StatusOf("agent-6") == collab.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	// Restart runs synchronously, typing both re-delivery blocks into the
	// fresh session; the PTY echo lands in its scrollback.
	c.handleConfirmedExit("agent-6")

	require.Eventually(t, func() bool {
		pane, err := be.CapturePane("agent-6", 0)
		return err == nil && strings.Count(pane, "[TASK RE-DELIVERY]") >= 1 &&
			strings.Contains(pane, "first task") && strings.Contains(pane, "second task") &&
			strings.Contains(pane, "File: "+firstPath) && strings.Contains(pane, "File: "+secondPath)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHandleConfirmedExit_OrchestratorGoesInactiveNotRestarted(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	taskTracking := collab.NewFakeTaskTracking()
	taskTracking.SetTasks("member-1", []collab.InProgressTask{{ID: "t1", TaskName: "still open"}})

	cfg := registryCfg()
	cfg.OrchestratorName = "orc-main"
	c := New(be, testRuntimes(t), nil, nil, storage, taskTracking, nil, nil, cfg, config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{
		Name:        "orc-main",
		RuntimeType: "echoer",
		Role:        "orchestrator",
		MemberID:    "member-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storage.StatusOf("orc-main") == collab.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	// Even with open tasks, the orchestrator is never auto-respawned.
	c.handleConfirmedExit("orc-main")

	require.Eventually(t, func() bool {
		return storage.StatusOf("orc-main") == collab.StatusInactive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCtxMonRestartIntegration_WiresBackIntoCoordinator(t *testing.T) {
	be := testBackend(t)
	storage := collab.NewFakeStorage()
	table := testRuntimes(t)

	var c *Coordinator
	cm := ctxmon.New(be, table, nil, func(name string) { c.Restart(name) }, config.ContextMonitorConfig{
		YellowThreshold: 70, RedThreshold: 85, CriticalThreshold: 95,
		MaxCompactAttempts: 0, CompactRetryCooldown: "10ms", RetryTickInterval: "10ms",
		ProactiveByteThreshold: 1 << 30, ProactiveCooldown: "1h", StaleDetectionThreshold: "1h",
		AutoRecoveryEnabled: true, MaxRecoveriesPerWindow: 5, CooldownWindow: "1h",
		UsageBroadcastDebounce: "10ms",
	})
	defer cm.Stop()

	c = New(be, table, nil, cm, storage, nil, nil, nil, registryCfg(), config.ExitMonitorConfig{ConfirmationDelay: "10ms", LivenessInterval: "20ms", StartupGrace: "1ms"})

	_, err := c.CreateAgentSession(context.Background(), AgentSessionOptions{Name: "agent-5", RuntimeType: "echoer"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return storage.StatusOf("agent-5") == collab.StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, be.Write("agent-5", []byte("99% context used\n")))

	require.Eventually(t, func() bool {
		return be.SessionExists("agent-5")
	}, 2*time.Second, 10*time.Millisecond)
}
