// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package events provides the event bus that carries cross-component
// notifications in the agent session runtime (agent status transitions,
// context-window warnings, chat/notification broadcasts) without any
// component holding a direct reference to another.
package events

import (
	"context"
	"time"
)

// Event represents an immutable event record.
type Event struct {
	ID          string                 `json:"id"`
	Version     string                 `json:"version"`
	Type        string                 `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	SessionName string                 `json:"sessionName"`
	Payload     map[string]interface{} `json:"payload"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID uniquely identifies a subscription.
type SubscriptionID string

// EventFilter for querying event history.
type EventFilter struct {
	Types       []string  // Event types to match (supports wildcards)
	SessionName string    // Filter by session name
	Since       time.Time // Events after this time
	Until       time.Time // Events before this time
	Limit       int       // Maximum events to return
}

// EventBus is the core event pub/sub system.
type EventBus interface {
	// Publish emits an event to all matching subscribers.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a synchronous handler for events matching pattern.
	Subscribe(pattern string, handler EventHandler) (SubscriptionID, error)

	// SubscribeAsync registers an async handler with buffered channel.
	SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(id SubscriptionID) error

	// History retrieves past events matching filter.
	History(filter EventFilter) ([]Event, error)

	// SetDefaultSession sets the default session name for events that don't specify one.
	SetDefaultSession(sessionName string)

	// Close shuts down the event bus gracefully.
	Close() error
}

// Event type constants. Every component publishes through this fixed
// vocabulary rather than ad-hoc strings so that gateway broadcast, history
// queries, and tests share one source of truth.
const (
	// Agent lifecycle (Registration / Restart Coordinator, Exit Monitor).
	EventAgentActivating = "agent.activating"
	EventAgentActive     = "agent.active"
	EventAgentInactive   = "agent.inactive"
	EventAgentError      = "agent.error"
	EventAgentRestarted  = "agent.restarted"

	// Exit Monitor.
	EventExitDetected = "exit.detected"

	// Context Window Monitor.
	EventContextWarning  = "context_warning"
	EventContextCritical = "context_critical"
	EventContextUpdated  = "context.updated"

	// Message Queue & Chat Router.
	EventChatMessage          = "chat.message"
	EventOrchestratorStatus   = "orchestrator_status_changed"
	EventTeamMemberStatus     = "team_member_status_changed"
	EventTeamActivityUpdated  = "team_activity_updated"
	EventContextWindowStatus  = "context_window_status"

	// Notifications routed from [NOTIFY]/[SLACK_NOTIFY] markers.
	EventNotifyDone    = "notify.done"
	EventNotifyBlocked = "notify.blocked"
	EventNotifyError   = "notify.error"

	// Pending control requests (Session Backend / Chat Router).
	EventControlRequested = "control.requested"
	EventControlResolved  = "control.resolved"
)

// RestartTrigger indicates why an agent session was restarted.
type RestartTrigger string

const (
	RestartTriggerExitDetected   RestartTrigger = "exit_detected"
	RestartTriggerContextLimit   RestartTrigger = "context_limit"
	RestartTriggerManual         RestartTrigger = "manual"
)
