// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the Terminal Gateway: the WebSocket surface
// that lets browser clients subscribe to a terminal session's output,
// send keystrokes, resize a PTY, and join chat rooms, while broadcasting
// status events from the rest of the system out to connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/chatqueue"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/events"
	"github.com/wingedpig/agentrund/internal/output"
)

var logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	globalChatRoom = "chat"
)

func terminalRoom(sessionName string) string { return "terminal_" + sessionName }
func chatRoom(conversationID string) string  { return "chat_" + conversationID }

// Hub owns every connected client and its room memberships, plus the
// shared Session Backend subscriptions and the event-bus subscription that
// feed them.
type Hub struct {
	be    *backend.Manager
	bus   events.EventBus
	queue *chatqueue.Router
	cfg   config.GatewayConfig

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}

	streamMu sync.Mutex
	streams  map[string]*termStream

	busSub events.SubscriptionID
}

// termStream is the single backend subscription shared by every client
// watching one session. The first subscriber creates it; the last
// unsubscription tears it down.
type termStream struct {
	unsub backend.Unsubscribe
	refs  int
}

// NewHub constructs a Terminal Gateway hub and, if bus is non-nil,
// subscribes to the status event types it rebroadcasts to clients.
func NewHub(be *backend.Manager, bus events.EventBus, queue *chatqueue.Router, cfg config.GatewayConfig) *Hub {
	h := &Hub{
		be:      be,
		bus:     bus,
		queue:   queue,
		cfg:     cfg,
		rooms:   make(map[string]map[*client]struct{}),
		streams: make(map[string]*termStream),
	}
	if bus != nil {
		sub, err := bus.SubscribeAsync("*", h.onBusEvent, 64)
		if err != nil {
			logger.Printf("failed to subscribe to event bus: %v", err)
		} else {
			h.busSub = sub
		}
	}
	return h
}

// broadcastEventTypes is the subset of the event vocabulary the gateway
// rebroadcasts verbatim to connected clients.
var broadcastEventTypes = map[string]bool{
	events.EventAgentActivating:     true,
	events.EventAgentActive:         true,
	events.EventAgentInactive:       true,
	events.EventAgentError:          true,
	events.EventAgentRestarted:      true,
	events.EventExitDetected:        true,
	events.EventOrchestratorStatus:  true,
	events.EventTeamMemberStatus:    true,
	events.EventTeamActivityUpdated: true,
	events.EventContextWindowStatus: true,
	events.EventContextWarning:      true,
	events.EventContextCritical:     true,
	events.EventChatMessage:         true,
	events.EventNotifyDone:          true,
	events.EventNotifyBlocked:       true,
	events.EventNotifyError:         true,
	events.EventControlRequested:    true,
	events.EventControlResolved:     true,
}

func (h *Hub) onBusEvent(ctx context.Context, evt events.Event) error {
	if !broadcastEventTypes[evt.Type] {
		return nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":        evt.Type,
		"sessionName": evt.SessionName,
		"timestamp":   evt.Timestamp,
		"payload":     evt.Payload,
	})
	if err != nil {
		return nil
	}

	h.broadcast(globalChatRoom, payload)

	if evt.Type == events.EventChatMessage {
		if convID, ok := evt.Payload["conversationId"].(string); ok && convID != "" {
			h.broadcast(chatRoom(convID), payload)
		}
	}
	return nil
}

// Router builds the HTTP mux with the gateway's WebSocket endpoint wired in.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.handleWebSocket)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// ListenAndServe starts the gateway's HTTP server using cfg.Host/Port.
func (h *Hub) ListenAndServe() error {
	addr := h.cfg.Host
	if h.cfg.Port != 0 {
		addr = addr + portSuffix(h.cfg.Port)
	}
	srv := &http.Server{Addr: addr, Handler: h.Router()}
	if h.cfg.TLSCert != "" && h.cfg.TLSKey != "" {
		return srv.ListenAndServeTLS(h.cfg.TLSCert, h.cfg.TLSKey)
	}
	return srv.ListenAndServe()
}

func portSuffix(port int) string {
	return ":" + strconv.Itoa(port)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("upgrade failed: %v", err)
		return
	}

	queueSize := h.cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	c := newClient(h, conn, queueSize)
	c.run()
}

// join registers a client in a room.
func (h *Hub) join(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// leave removes a client from a room.
func (h *Hub) leave(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// leaveAll removes a client from every room it had joined (on disconnect).
func (h *Hub) leaveAll(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// subscribeTerminal adds a client to a session's terminal room, creating the
// shared backend subscription when this is the room's first member.
func (h *Hub) subscribeTerminal(name string, c *client) error {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	if st, ok := h.streams[name]; ok {
		st.refs++
		h.join(terminalRoom(name), c)
		return nil
	}

	unsub, err := h.be.OnData(name, func(chunk []byte) {
		h.broadcastTerminalOutput(name, chunk)
	})
	if err != nil {
		return err
	}
	h.streams[name] = &termStream{unsub: unsub, refs: 1}
	h.join(terminalRoom(name), c)
	return nil
}

// unsubscribeTerminal removes a client from a session's terminal room and
// releases the shared backend subscription once the room is empty.
func (h *Hub) unsubscribeTerminal(name string, c *client) {
	h.leave(terminalRoom(name), c)

	h.streamMu.Lock()
	st, ok := h.streams[name]
	if ok {
		st.refs--
		if st.refs <= 0 {
			delete(h.streams, name)
		} else {
			st = nil
		}
	}
	h.streamMu.Unlock()

	if ok && st != nil && st.unsub != nil {
		st.unsub()
	}
}

func (h *Hub) broadcastTerminalOutput(name string, chunk []byte) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":        "terminal_output",
		"sessionName": name,
		"data":        output.StripANSI(chunk),
	})
	if err != nil {
		return
	}
	h.broadcast(terminalRoom(name), payload)
}

// broadcast fans a pre-encoded message out to every client in a room,
// dropping (and disconnecting) any client whose outbound queue is full.
// Delivery to each client is independent, so a large room fans out
// concurrently rather than paying per-client latency serially.
func (h *Hub) broadcast(room string, payload []byte) {
	h.mu.Lock()
	members := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, c := range members {
		c := c
		g.Go(func() error {
			select {
			case c.send <- payload:
			default:
				logger.Printf("client outbound queue full, disconnecting")
				c.disconnect("backpressure")
			}
			return nil
		})
	}
	g.Wait()
}

// Shutdown unsubscribes from the event bus. Individual client connections
// close themselves when their read loop errors out.
func (h *Hub) Shutdown() {
	if h.bus != nil && h.busSub != "" {
		h.bus.Unsubscribe(h.busSub)
	}
}
