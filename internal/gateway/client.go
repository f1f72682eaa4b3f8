// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientMessage is the envelope for every inbound command a browser client
// sends over the WebSocket connection.
type clientMessage struct {
	Command        string `json:"command"`
	SessionName    string `json:"sessionName,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Data           string `json:"data,omitempty"`
	Cols           int    `json:"cols,omitempty"`
	Rows           int    `json:"rows,omitempty"`
}

const (
	cmdSubscribeToSession  = "subscribe_to_session"
	cmdUnsubscribeSession  = "unsubscribe_from_session"
	cmdSendInput           = "send_input"
	cmdTerminalResize      = "terminal_resize"
	cmdSubscribeToChat     = "subscribe_to_chat"
	cmdUnsubscribeFromChat = "unsubscribe_from_chat"
	cmdChatTyping          = "chat_typing"
)

// client is one connected WebSocket session.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	writeMu sync.Mutex

	mu             sync.Mutex
	terminals      map[string]bool
	chatRooms      map[string]bool
	closed         bool
	disconnectOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, queueSize int) *client {
	return &client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, queueSize),
		terminals: make(map[string]bool),
		chatRooms: make(map[string]bool),
	}
}

// run drives the client's lifetime: a write pump and a read pump, both
// blocking until the connection closes.
func (c *client) run() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump()
	c.readPump()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.writeMu.Lock()
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.writeMu.Unlock()
				return
			}
			c.writeMu.Lock()
			err := c.conn.WriteMessage(websocket.TextMessage, payload)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.teardown()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *client) handleCommand(msg clientMessage) {
	switch msg.Command {
	case cmdSubscribeToSession:
		c.subscribeToSession(msg.SessionName)
	case cmdUnsubscribeSession:
		c.unsubscribeFromSession(msg.SessionName)
	case cmdSendInput:
		c.sendInput(msg.SessionName, msg.Data)
	case cmdTerminalResize:
		c.resize(msg.SessionName, msg.Cols, msg.Rows)
	case cmdSubscribeToChat:
		c.subscribeToChat(msg.ConversationID)
	case cmdUnsubscribeFromChat:
		c.unsubscribeFromChat(msg.ConversationID)
	case cmdChatTyping:
		c.relayTyping(msg.ConversationID, msg.Data)
	default:
		c.sendError("unknown command")
	}
}

func (c *client) subscribeToSession(name string) {
	if name == "" {
		c.sendError("sessionName required")
		return
	}
	c.mu.Lock()
	if c.terminals[name] {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.hub.subscribeTerminal(name, c); err != nil {
		c.sendError("session not found: " + name)
		return
	}

	c.mu.Lock()
	c.terminals[name] = true
	c.mu.Unlock()
}

func (c *client) unsubscribeFromSession(name string) {
	c.mu.Lock()
	subscribed := c.terminals[name]
	delete(c.terminals, name)
	c.mu.Unlock()
	if subscribed {
		c.hub.unsubscribeTerminal(name, c)
	}
}

func (c *client) sendInput(sessionName, data string) {
	if sessionName == "" {
		c.sendError("sessionName required")
		return
	}
	clean, err := validateInput(data)
	if err != nil {
		c.sendError("rejected input: " + err.Error())
		return
	}
	if err := c.hub.be.Write(sessionName, []byte(clean)); err != nil {
		c.sendError("write failed: " + err.Error())
	}
}

func (c *client) resize(sessionName string, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		c.sendError("invalid terminal dimensions")
		return
	}
	if err := c.hub.be.Resize(sessionName, cols, rows); err != nil {
		c.sendError("resize failed: " + err.Error())
	}
}

func (c *client) subscribeToChat(conversationID string) {
	room := globalChatRoom
	if conversationID != "" {
		room = chatRoom(conversationID)
	}
	c.mu.Lock()
	c.chatRooms[room] = true
	c.mu.Unlock()
	c.hub.join(room, c)
}

func (c *client) unsubscribeFromChat(conversationID string) {
	room := globalChatRoom
	if conversationID != "" {
		room = chatRoom(conversationID)
	}
	c.mu.Lock()
	delete(c.chatRooms, room)
	c.mu.Unlock()
	c.hub.leave(room, c)
}

// relayTyping rebroadcasts a typing indicator to every member of the
// conversation's room, the sender included when it has joined that room; it
// never reaches the agent PTY.
func (c *client) relayTyping(conversationID, data string) {
	room := globalChatRoom
	if conversationID != "" {
		room = chatRoom(conversationID)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":           "chat_typing",
		"conversationId": conversationID,
		"data":           data,
	})
	if err != nil {
		return
	}
	c.hub.broadcast(room, payload)
}

func (c *client) sendError(msg string) {
	payload, err := json.Marshal(map[string]interface{}{"type": "error", "message": msg})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// disconnect tears down subscriptions and closes the underlying connection;
// safe to call multiple times or concurrently.
func (c *client) disconnect(reason string) {
	c.disconnectOnce.Do(func() {
		c.sendError("disconnecting: " + reason)
		c.conn.Close()
	})
}

func (c *client) teardown() {
	c.mu.Lock()
	terminals := c.terminals
	c.terminals = nil
	closed := c.closed
	c.closed = true
	c.mu.Unlock()

	if closed {
		return
	}

	for name := range terminals {
		c.hub.unsubscribeTerminal(name, c)
	}
	c.hub.leaveAll(c)
	close(c.send)
}
