// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend implements the Session Backend: it owns PTY processes and
// their output fan-out, exposing create/write/resize/capture/kill/subscribe
// operations plus cached existence and listing queries.
package backend

import (
	"errors"
	"time"
)

// Sentinel errors surfaced synchronously by backend operations.
var (
	ErrAlreadyExists         = errors.New("session already exists")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSpawnFailed           = errors.New("failed to spawn session")
	ErrControlRequestPending = errors.New("control request already pending")
	ErrNoControlRequest      = errors.New("no pending control request")
)

// ControlRequest is one outstanding out-of-band prompt a runtime surfaced
// mid-task (e.g. a tool-permission prompt). At most one is tracked per
// session; the chat router writes the next inbound message as its reply
// instead of queueing a new chat turn.
type ControlRequest struct {
	ID       string
	Prompt   string
	RaisedAt time.Time
}

// SessionInfo is the exported, caller-facing summary of a Session.
type SessionInfo struct {
	Name                  string    `json:"name"`
	WorkingDirectory      string    `json:"workingDirectory"`
	RuntimeType           string    `json:"runtimeType"`
	Role                  string    `json:"role"`
	TeamID                string    `json:"teamId,omitempty"`
	MemberID              string    `json:"memberId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	CumulativeOutputBytes uint64    `json:"cumulativeOutputBytes"`
}

// CreateOptions parameterizes createSession.
type CreateOptions struct {
	Name             string
	WorkingDirectory string
	RuntimeType      string
	Role             string
	TeamID           string
	MemberID         string
	LaunchArgs       []string // full argv, e.g. runtime.LaunchArgs(resumeID)
	Env              []string // extra "KEY=VALUE" entries appended to os.Environ()
	Cols             int
	Rows             int
}

// DataHandler receives output chunks exactly once, in order, for one session.
type DataHandler func(chunk []byte)

// ExitHandler fires once when a session's PTY or child process terminates.
type ExitHandler func()

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()
