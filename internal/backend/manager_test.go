// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/agentrund/internal/config"
)

func testConfig() config.BackendConfig {
	return config.BackendConfig{
		DefaultCols:            80,
		DefaultRows:            24,
		DefaultShell:           "/bin/sh",
		ExistsCacheTTL:         "50ms",
		CapturePaneCacheTTL:    "50ms",
		ListSessionsMinRefresh: "50ms",
		SubscriberBufferSize:   32,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met within timeout")
}

func TestCreateSession_DuplicateNameRejected(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{Name: "dup"})
	require.NoError(t, err)

	_, err = mgr.CreateSession(context.Background(), CreateOptions{Name: "dup"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateSession_InvalidNameRejected(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{Name: "has a space"})
	require.Error(t, err)
}

func TestWriteAndOnData_SeesEcho(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "echoer",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	var mu strings.Builder
	seen := make(chan struct{}, 1)
	unsub, err := mgr.OnData("echoer", func(chunk []byte) {
		mu.Write(chunk)
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, mgr.Write("echoer", []byte("hello\n")))

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
	assert.Contains(t, mu.String(), "hello")
}

func TestOnExit_FiresOnceAfterKill(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "exiter",
		LaunchArgs: []string{"/bin/sh", "-c", "sleep 30"},
	})
	require.NoError(t, err)

	fired := make(chan struct{})
	calls := 0
	_, err = mgr.OnExit("exiter", func() {
		calls++
		close(fired)
	})
	require.NoError(t, err)

	require.NoError(t, mgr.KillSession("exiter"))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("exit handler never fired")
	}
	assert.Equal(t, 1, calls)

	// Killing again is idempotent and must not panic or re-fire.
	require.NoError(t, mgr.KillSession("exiter"))
}

func TestSessionExists_CachedThenExpires(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	assert.False(t, mgr.SessionExists("ghost"))

	_, err := mgr.CreateSession(context.Background(), CreateOptions{Name: "ghost"})
	require.NoError(t, err)

	// The earlier negative lookup may still be cached briefly.
	waitFor(t, time.Second, func() bool {
		return mgr.SessionExists("ghost")
	})
}

func TestBulkSessionExists(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{Name: "present"})
	require.NoError(t, err)

	result := mgr.BulkSessionExists([]string{"present", "absent"})
	assert.True(t, result["present"])
	assert.False(t, result["absent"])
}

func TestListSessions_RateLimited(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{Name: "one"})
	require.NoError(t, err)

	first := mgr.ListSessions()
	require.Len(t, first, 1)

	_, err = mgr.CreateSession(context.Background(), CreateOptions{Name: "two"})
	require.NoError(t, err)

	// Within the refresh window the cached (stale) list is returned.
	immediate := mgr.ListSessions()
	assert.Len(t, immediate, 1)

	waitFor(t, time.Second, func() bool {
		return len(mgr.ListSessions()) == 2
	})
}

func TestCapturePane_ReflectsWrittenOutput(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "paned",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Write("paned", []byte("line-one\n")))

	waitFor(t, 2*time.Second, func() bool {
		text, err := mgr.CapturePane("paned", 0)
		return err == nil && strings.Contains(text, "line-one")
	})
}

func TestWrite_UnknownSession(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	err := mgr.Write("nope", []byte("x"))
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResize_UnknownSession(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	err := mgr.Resize("nope", 100, 40)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIsChildProcessAlive(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "alive",
		LaunchArgs: []string{"/bin/sh", "-c", "sleep 30"},
	})
	require.NoError(t, err)

	assert.True(t, mgr.IsChildProcessAlive("alive"))

	require.NoError(t, mgr.KillSession("alive"))
	assert.False(t, mgr.IsChildProcessAlive("alive"))
}

func TestControlRequest_AtMostOnePerSession(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "prompted",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	_, pending := mgr.PendingControlRequest("prompted")
	assert.False(t, pending)

	require.NoError(t, mgr.RaiseControlRequest("prompted", "req-1", "Allow file write?"))
	require.ErrorIs(t, mgr.RaiseControlRequest("prompted", "req-2", "second"), ErrControlRequestPending)

	req, pending := mgr.PendingControlRequest("prompted")
	require.True(t, pending)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "Allow file write?", req.Prompt)

	require.ErrorIs(t, mgr.ResolveControlRequest("prompted", "wrong-id"), ErrNoControlRequest)
	require.NoError(t, mgr.ResolveControlRequest("prompted", "req-1"))

	_, pending = mgr.PendingControlRequest("prompted")
	assert.False(t, pending)
}

func TestCumulativeOutputBytes_ResetsOnDemand(t *testing.T) {
	mgr := NewManager(testConfig())
	defer mgr.Shutdown()

	_, err := mgr.CreateSession(context.Background(), CreateOptions{
		Name:       "counter",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Write("counter", []byte("abcdef\n")))

	waitFor(t, 2*time.Second, func() bool {
		n, err := mgr.GetCumulativeOutputBytes("counter")
		return err == nil && n > 0
	})

	require.NoError(t, mgr.ResetCumulativeOutput("counter"))
	n, err := mgr.GetCumulativeOutputBytes("counter")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}
