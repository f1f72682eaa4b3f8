// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package output implements the Terminal Output Processor: it strips ANSI
// noise from raw PTY bytes, accumulates a bounded rolling buffer per
// session, extracts structured markers from that buffer, and deduplicates
// markers caused by terminal re-renders.
package output

import "time"

// MaxBufferSize bounds the per-session rolling buffer; overflow discards the
// oldest bytes.
const MaxBufferSize = 64 * 1024

// MarkerKind identifies the wire-critical bracketed tokens this package extracts.
type MarkerKind string

const (
	MarkerChatResponse  MarkerKind = "chat_response"
	MarkerNotify        MarkerKind = "notify"
	MarkerSlackNotify   MarkerKind = "slack_notify"
	MarkerContextUsage  MarkerKind = "context_usage"
	MarkerRuntimeExit   MarkerKind = "runtime_exit"
)

// NotifyPayload is the parsed body of a [NOTIFY] block, whether it arrived
// as JSON or as a header-block-plus-markdown-body.
type NotifyPayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	ChannelID      string `json:"channelId,omitempty"`
	ThreadTS       string `json:"threadTs,omitempty"`
	Type           string `json:"type,omitempty"`
	Title          string `json:"title,omitempty"`
	Urgency        string `json:"urgency,omitempty"`
}

// SlackNotifyPayload is the parsed body of a [SLACK_NOTIFY] block.
type SlackNotifyPayload struct {
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	Urgency string `json:"urgency,omitempty"`
}

// Marker is one structured event extracted from a session's cleaned output.
type Marker struct {
	SessionName string
	Kind        MarkerKind
	ConvID      string // empty when the marker carries no conversation id
	Content     string // CHAT_RESPONSE body, or raw NOTIFY/SLACK_NOTIFY body
	Notify      *NotifyPayload
	SlackNotify *SlackNotifyPayload
	ContextPct  int // valid only for MarkerContextUsage
	RawSpan     string
	ExtractedAt time.Time
}
