// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package exitmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/config"
	rt "github.com/wingedpig/agentrund/internal/runtime"
)

func testBackend(t *testing.T) *backend.Manager {
	t.Helper()
	mgr := backend.NewManager(config.BackendConfig{
		DefaultCols:            80,
		DefaultRows:            24,
		DefaultShell:           "/bin/sh",
		ExistsCacheTTL:         "50ms",
		CapturePaneCacheTTL:    "10ms",
		ListSessionsMinRefresh: "50ms",
		SubscriberBufferSize:   32,
	})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func noGraceCfg() config.ExitMonitorConfig {
	return config.ExitMonitorConfig{
		ConfirmationDelay: "10ms",
		LivenessInterval:  "20ms",
		StartupGrace:      "1ms",
	}
}

func testRuntime() *rt.Runtime {
	table, err := rt.NewTable(config.DefaultRuntimes())
	if err != nil {
		panic(err)
	}
	r, _ := table.Get("claude-code")
	return r
}

func TestMonitor_PatternMatchThenShellPromptConfirms(t *testing.T) {
	mgr := testBackend(t)
	_, err := mgr.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "pattern-exit",
		LaunchArgs: []string{"/bin/sh"},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var confirmed string
	done := make(chan struct{})

	m := New("pattern-exit", mgr, testRuntime(), noGraceCfg(), func(name string) {
		mu.Lock()
		confirmed = name
		mu.Unlock()
		close(done)
	})
	time.Sleep(5 * time.Millisecond) // let startup grace lapse under test config
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, mgr.Write("pattern-exit", []byte("echo 'Goodbye!'\n")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("exit was never confirmed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "pattern-exit", confirmed)
	assert.Equal(t, StateReacted, m.State())
}

func TestMonitor_BackendExitFiresImmediately(t *testing.T) {
	mgr := testBackend(t)
	_, err := mgr.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "killed",
		LaunchArgs: []string{"/bin/sh", "-c", "sleep 30"},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	m := New("killed", mgr, testRuntime(), noGraceCfg(), func(name string) {
		close(done)
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	require.NoError(t, mgr.KillSession("killed"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit path never confirmed")
	}
}

func TestMonitor_ConfirmExitIsIdempotent(t *testing.T) {
	mgr := testBackend(t)
	_, err := mgr.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "idem",
		LaunchArgs: []string{"/bin/sh", "-c", "sleep 30"},
	})
	require.NoError(t, err)

	var calls int
	var mu sync.Mutex
	m := New("idem", mgr, testRuntime(), noGraceCfg(), func(name string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, m.Start())

	m.confirmExit()
	m.confirmExit()
	m.confirmExit()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
