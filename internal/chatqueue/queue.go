// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package chatqueue implements the Message Queue & Chat Router: a strict
// FIFO, at-most-one-in-flight dispatcher per session that types a chat
// message into an agent's PTY, waits for its [CHAT_RESPONSE] marker, and
// routes [NOTIFY]/[SLACK_NOTIFY] markers out to external bridges.
package chatqueue

import (
	"context"
	"errors"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/collab"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/events"
	"github.com/wingedpig/agentrund/internal/output"
	"github.com/wingedpig/agentrund/internal/runtime"
)

var logger = log.New(os.Stderr, "[chatqueue] ", log.LstdFlags)

// The two stable, user-visible error strings the router ever surfaces to a
// waiting chat client.
const (
	ErrOrchestratorNotRunningMsg = "Orchestrator is not running. Please start the orchestrator first."
	ErrTimeoutMsg                = "The orchestrator is taking longer than expected. Please try again."
)

var (
	ErrOrchestratorNotRunning = errors.New(ErrOrchestratorNotRunningMsg)
	ErrResponseTimeout        = errors.New(ErrTimeoutMsg)
	ErrSessionNotRegistered   = errors.New("session not registered with the chat router")
)

// Result is delivered to a waiting SendMessage caller exactly once.
type Result struct {
	Content string
	Err     error
}

type queuedMessage struct {
	id             string
	conversationID string
	body           string
	result         chan Result
}

type inFlight struct {
	msg   queuedMessage
	timer *time.Timer
}

type sessionState struct {
	mu        sync.Mutex
	pending   []queuedMessage
	current   *inFlight
	processor *output.Processor
	unsub     backend.Unsubscribe
}

// Router is the Message Queue & Chat Router.
type Router struct {
	be      *backend.Manager
	bus     events.EventBus
	bridges collab.Bridges
	cfg     config.QueueConfig

	defaultTimeout time.Duration
	timeoutGrace   time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs a Router. bridges may be nil, in which case NOTIFY/
// SLACK_NOTIFY markers are routed to the event bus only.
func New(be *backend.Manager, bus events.EventBus, bridges collab.Bridges, cfg config.QueueConfig) *Router {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}
	return &Router{
		be:             be,
		bus:            bus,
		bridges:        bridges,
		cfg:            cfg,
		defaultTimeout: parse(cfg.DefaultMessageTimeout, 120*time.Second),
		timeoutGrace:   parse(cfg.TimeoutGrace, 5*time.Second),
		sessions:       make(map[string]*sessionState),
	}
}

// RegisterSession begins routing markers for a session's output.
// exitPatterns comes from that session's runtime.Runtime.
func (r *Router) RegisterSession(name string, rt *runtime.Runtime) error {
	var exitPatterns []*regexp.Regexp
	if rt != nil {
		exitPatterns = rt.ExitPatterns
	}

	st := &sessionState{
		processor: output.NewProcessor(name, exitPatterns),
	}

	unsub, err := r.be.OnData(name, func(chunk []byte) {
		markers := st.processor.Process(chunk)
		for _, m := range markers {
			r.routeMarker(name, m)
		}
	})
	if err != nil {
		return err
	}
	st.unsub = unsub

	r.mu.Lock()
	r.sessions[name] = st
	r.mu.Unlock()
	return nil
}

// UnregisterSession purges all queued and in-flight messages for a
// terminated session with the uniform "orchestrator stopped" error, then
// stops routing its output.
func (r *Router) UnregisterSession(name string) {
	r.mu.Lock()
	st, ok := r.sessions[name]
	delete(r.sessions, name)
	r.mu.Unlock()
	if !ok {
		return
	}

	if st.unsub != nil {
		st.unsub()
	}

	st.mu.Lock()
	pending := st.pending
	st.pending = nil
	current := st.current
	st.current = nil
	st.mu.Unlock()

	if current != nil {
		current.timer.Stop()
		current.msg.result <- Result{Err: ErrOrchestratorNotRunning}
	}
	for _, m := range pending {
		m.result <- Result{Err: ErrOrchestratorNotRunning}
	}
}

// SendMessage enqueues a chat message for a session and blocks until the
// agent's [CHAT_RESPONSE], a timeout, or session termination resolves it.
// When the session has an outstanding control request (a runtime permission
// prompt), the message is written directly as its reply and never enters the
// queue.
func (r *Router) SendMessage(ctx context.Context, sessionName, conversationID, body string) (string, error) {
	if !r.be.SessionExists(sessionName) {
		return "", ErrOrchestratorNotRunning
	}

	r.mu.Lock()
	st, ok := r.sessions[sessionName]
	r.mu.Unlock()
	if !ok {
		return "", ErrSessionNotRegistered
	}

	if req, pending := r.be.PendingControlRequest(sessionName); pending {
		if err := r.be.Write(sessionName, []byte(body)); err != nil {
			return "", err
		}
		r.be.Write(sessionName, []byte(runtime.KeyEnter))
		r.be.ResolveControlRequest(sessionName, req.ID)
		r.publish(sessionName, events.EventControlResolved, map[string]interface{}{
			"requestId":      req.ID,
			"conversationId": conversationID,
		})
		return "", nil
	}

	msg := queuedMessage{
		id:             conversationID + ":" + time.Now().UTC().Format(time.RFC3339Nano),
		conversationID: conversationID,
		body:           body,
		result:         make(chan Result, 1),
	}

	st.mu.Lock()
	if st.current == nil {
		r.dispatchLocked(sessionName, st, msg)
	} else {
		st.pending = append(st.pending, msg)
	}
	st.mu.Unlock()

	select {
	case res := <-msg.result:
		return res.Content, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RaiseControlRequest records a runtime prompt for a session and announces
// it, so gateway clients can render the prompt distinctly from ordinary
// terminal output and the next SendMessage is routed to it as a reply.
func (r *Router) RaiseControlRequest(sessionName, id, prompt string) error {
	if err := r.be.RaiseControlRequest(sessionName, id, prompt); err != nil {
		return err
	}
	r.publish(sessionName, events.EventControlRequested, map[string]interface{}{
		"requestId": id,
		"prompt":    prompt,
	})
	return nil
}

// dispatchLocked marks the next message in-flight, arms its deadline, and
// hands the PTY write off to a goroutine so the paste-safe pacing sleep never
// runs under st.mu. With at most one message in flight, dispatches cannot
// overlap, so writes to the PTY stay strictly sequential.
func (r *Router) dispatchLocked(sessionName string, st *sessionState, msg queuedMessage) {
	st.current = &inFlight{msg: msg}

	deadline := r.defaultTimeout + r.timeoutGrace
	st.current.timer = time.AfterFunc(deadline, func() {
		r.resolveTimeout(sessionName, msg.id)
	})

	go r.typeMessage(sessionName, msg.body)
}

// typeMessage writes a message body to the PTY, waits a delay scaled to the
// body's length so a TUI's paste handling does not truncate it, then sends
// Enter.
func (r *Router) typeMessage(sessionName, body string) {
	if err := r.be.Write(sessionName, []byte(body)); err != nil {
		logger.Printf("session %s: write failed for queued message: %v", sessionName, err)
		return
	}
	time.Sleep(r.pasteDelay(len(body)))
	r.be.Write(sessionName, []byte(runtime.KeyEnter))
}

func (r *Router) pasteDelay(n int) time.Duration {
	base := r.cfg.PasteBaseDelayMs
	if base <= 0 {
		base = 50
	}
	max := r.cfg.PasteMaxDelayMs
	if max <= 0 {
		max = 5000
	}
	delay := base + (n+9)/10
	if delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}

func (r *Router) resolveTimeout(sessionName, msgID string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionName]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.current == nil || st.current.msg.id != msgID {
		st.mu.Unlock()
		return
	}
	current := st.current
	st.current = nil
	next, hasNext := r.popNextLocked(st)
	st.mu.Unlock()

	current.msg.result <- Result{Err: ErrResponseTimeout}

	if hasNext {
		st.mu.Lock()
		r.dispatchLocked(sessionName, st, next)
		st.mu.Unlock()
	}
}

func (r *Router) popNextLocked(st *sessionState) (queuedMessage, bool) {
	if len(st.pending) == 0 {
		return queuedMessage{}, false
	}
	next := st.pending[0]
	st.pending = st.pending[1:]
	return next, true
}

// routeMarker implements the routing table: CHAT_RESPONSE resolves the
// in-flight message; NOTIFY/SLACK_NOTIFY fan out to bridges and the event
// bus; context-usage and runtime-exit markers are left for the Context
// Window Monitor and Exit Monitor, which subscribe to raw output
// independently, so the router ignores them here.
func (r *Router) routeMarker(sessionName string, m output.Marker) {
	switch m.Kind {
	case output.MarkerChatResponse:
		r.resolveChatResponse(sessionName, m)
	case output.MarkerNotify:
		r.routeNotify(sessionName, m)
	case output.MarkerSlackNotify:
		r.routeSlackNotify(sessionName, m)
	case output.MarkerContextUsage, output.MarkerRuntimeExit:
		// Handled by ctxmon/exitmon via their own backend subscriptions.
	}
}

func (r *Router) resolveChatResponse(sessionName string, m output.Marker) {
	r.mu.Lock()
	st, ok := r.sessions[sessionName]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	current := st.current
	matched := current != nil &&
		(m.ConvID == "" || current.msg.conversationID == "" || m.ConvID == current.msg.conversationID)
	if !matched {
		st.mu.Unlock()
		// Routed-by-marker path: a response with no matching in-flight
		// message is still broadcast to its conversation, but the
		// dispatcher does not advance.
		r.broadcastChat(sessionName, m.ConvID, m.Content, nil)
		return
	}
	current.timer.Stop()
	st.current = nil
	next, hasNext := r.popNextLocked(st)
	st.mu.Unlock()

	current.msg.result <- Result{Content: m.Content}

	if hasNext {
		st.mu.Lock()
		r.dispatchLocked(sessionName, st, next)
		st.mu.Unlock()
	}

	convID := m.ConvID
	if convID == "" {
		convID = current.msg.conversationID
	}
	r.broadcastChat(sessionName, convID, m.Content, nil)
}

func (r *Router) broadcastChat(sessionName, conversationID, content string, meta map[string]interface{}) {
	payload := map[string]interface{}{
		"content":        content,
		"conversationId": conversationID,
	}
	for k, v := range meta {
		payload[k] = v
	}
	r.publish(sessionName, events.EventChatMessage, payload)
}

// routeNotify applies the [NOTIFY] rows of the marker routing table. A
// notification with a conversation id becomes a chat message in that
// conversation; one with only a channel id was already delivered on the wire
// by the agent's own skill, so the bridge is told to mark it delivered and
// the core never sends it a second time; one with neither is dropped.
func (r *Router) routeNotify(sessionName string, m output.Marker) {
	if m.Notify == nil {
		return
	}
	n := m.Notify

	switch {
	case n.ConversationID != "":
		meta := map[string]interface{}{}
		if n.ChannelID != "" {
			meta["channelId"] = n.ChannelID
		}
		if n.ThreadTS != "" {
			meta["threadTs"] = n.ThreadTS
		}
		if n.Title != "" {
			meta["title"] = n.Title
		}
		r.broadcastChat(sessionName, n.ConversationID, n.Message, meta)
		if n.ChannelID != "" && r.bridges != nil {
			if err := r.bridges.MarkDeliveredBySkill(context.Background(), n.ChannelID, n.ThreadTS); err != nil {
				r.publish(sessionName, events.EventNotifyError, map[string]interface{}{"reason": err.Error()})
			}
		}

	case n.ChannelID != "":
		if r.bridges != nil {
			if err := r.bridges.MarkDeliveredBySkill(context.Background(), n.ChannelID, n.ThreadTS); err != nil {
				r.publish(sessionName, events.EventNotifyError, map[string]interface{}{"reason": err.Error()})
				return
			}
		}
		r.publish(sessionName, events.EventNotifyDone, map[string]interface{}{
			"message":   n.Message,
			"channelId": n.ChannelID,
			"delivery":  "skill",
		})

	default:
		logger.Printf("session %s: dropping [NOTIFY] with no conversation or channel (type=%q)", sessionName, n.Type)
	}
}

func (r *Router) routeSlackNotify(sessionName string, m output.Marker) {
	if m.SlackNotify == nil {
		return
	}
	if r.bridges != nil {
		err := r.bridges.SendNotification(context.Background(), collab.NotificationPayload{
			Type:    m.SlackNotify.Type,
			Title:   m.SlackNotify.Title,
			Message: m.SlackNotify.Message,
			Urgency: m.SlackNotify.Urgency,
		})
		if err != nil {
			r.publish(sessionName, events.EventNotifyError, map[string]interface{}{"reason": err.Error()})
			return
		}
	}
	r.publish(sessionName, events.EventNotifyDone, map[string]interface{}{"message": m.SlackNotify.Message})
}

func (r *Router) publish(sessionName, eventType string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	evt := events.Event{
		Type:        eventType,
		Timestamp:   time.Now(),
		SessionName: sessionName,
		Payload:     payload,
	}
	if err := r.bus.Publish(context.Background(), evt); err != nil {
		logger.Printf("session %s: publish %s failed: %v", sessionName, eventType, err)
	}
}
