// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/config"
)

func testBackend(t *testing.T) *backend.Manager {
	t.Helper()
	mgr := backend.NewManager(config.BackendConfig{
		DefaultShell:           "/bin/sh",
		ExistsCacheTTL:         "20ms",
		CapturePaneCacheTTL:    "10ms",
		ListSessionsMinRefresh: "20ms",
		SubscriberBufferSize:   32,
	})
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGateway_SubscribeAndReceiveTerminalOutput(t *testing.T) {
	be := testBackend(t)
	_, err := be.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "gw-1",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	hub := NewHub(be, nil, nil, config.GatewayConfig{OutboundQueueSize: 32})
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdSubscribeToSession, SessionName: "gw-1"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdSendInput, SessionName: "gw-1", Data: "echo hi\n"}))

	found := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg["type"] == "terminal_output" && strings.Contains(msg["data"].(string), "hi") {
			found = true
			break
		}
	}
	require.True(t, found, "expected to see echoed terminal output")
}

func TestGateway_RejectsDangerousInput(t *testing.T) {
	be := testBackend(t)
	_, err := be.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "gw-2",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	hub := NewHub(be, nil, nil, config.GatewayConfig{OutboundQueueSize: 32})
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdSubscribeToSession, SessionName: "gw-2"}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdSendInput, SessionName: "gw-2", Data: "\x1b]0;evil\x07"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "error", msg["type"])
}

func TestGateway_TerminalStreamSharedAcrossSubscribers(t *testing.T) {
	be := testBackend(t)
	_, err := be.CreateSession(context.Background(), backend.CreateOptions{
		Name:       "gw-3",
		LaunchArgs: []string{"/bin/sh", "-c", "cat"},
	})
	require.NoError(t, err)

	hub := NewHub(be, nil, nil, config.GatewayConfig{OutboundQueueSize: 32})
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	conn1 := dialWS(t, srv)
	conn2 := dialWS(t, srv)
	require.NoError(t, conn1.WriteJSON(clientMessage{Command: cmdSubscribeToSession, SessionName: "gw-3"}))
	require.NoError(t, conn2.WriteJSON(clientMessage{Command: cmdSubscribeToSession, SessionName: "gw-3"}))

	require.Eventually(t, func() bool {
		hub.streamMu.Lock()
		defer hub.streamMu.Unlock()
		st, ok := hub.streams["gw-3"]
		return ok && st.refs == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn1.WriteJSON(clientMessage{Command: cmdUnsubscribeSession, SessionName: "gw-3"}))
	require.NoError(t, conn2.WriteJSON(clientMessage{Command: cmdUnsubscribeSession, SessionName: "gw-3"}))

	// Last unsubscription tears the shared backend subscription down.
	require.Eventually(t, func() bool {
		hub.streamMu.Lock()
		defer hub.streamMu.Unlock()
		_, ok := hub.streams["gw-3"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_ChatRoomMembershipTracksSubscription(t *testing.T) {
	be := testBackend(t)
	hub := NewHub(be, nil, nil, config.GatewayConfig{OutboundQueueSize: 32})
	srv := httptest.NewServer(hub.Router())
	defer srv.Close()

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdSubscribeToChat, ConversationID: "conv-x"}))
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.rooms[chatRoom("conv-x")]) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(clientMessage{Command: cmdUnsubscribeFromChat, ConversationID: "conv-x"}))

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.rooms[chatRoom("conv-x")]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
