// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/json"
	"fmt"
	"time"
)

// TranscriptSchema identifies the export format's version.
const TranscriptSchema = "agentrund.transcript.v1"

// Transcript is the full export format for a session: enough to recreate a
// session's working context across a process restart without re-running the
// agent from scratch. Unlike a structured chat transcript, this is the raw
// scrollback the PTY rendered, since the core never parses agent prose
// beyond bracketed markers.
type Transcript struct {
	Schema                string    `json:"schema"`
	ExportedAt            time.Time `json:"exportedAt"`
	SessionName           string    `json:"sessionName"`
	WorkingDirectory      string    `json:"workingDirectory"`
	RuntimeType           string    `json:"runtimeType"`
	Role                  string    `json:"role"`
	TeamID                string    `json:"teamId,omitempty"`
	MemberID              string    `json:"memberId,omitempty"`
	CumulativeOutputBytes uint64    `json:"cumulativeOutputBytes"`
	Scrollback            string    `json:"scrollback"`
}

// ExportTranscript snapshots a live session's scrollback and metadata into a
// portable Transcript, for the Restart Coordinator to persist across a
// --resume-style continuation.
func (m *Manager) ExportTranscript(name string) (*Transcript, error) {
	session, ok := m.GetSession(name)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &Transcript{
		Schema:                TranscriptSchema,
		ExportedAt:            time.Now(),
		SessionName:           session.name,
		WorkingDirectory:      session.workingDirectory,
		RuntimeType:           session.runtimeType,
		Role:                  session.role,
		TeamID:                session.teamID,
		MemberID:              session.memberID,
		CumulativeOutputBytes: session.cumulativeOutput(),
		Scrollback:            session.tailText(0),
	}, nil
}

// MarshalTranscript encodes a Transcript for on-disk persistence.
func MarshalTranscript(t *Transcript) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// UnmarshalTranscript decodes a previously-exported Transcript.
func UnmarshalTranscript(data []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	return &t, nil
}

// ImportTranscript seeds a freshly created session's scrollback buffer from
// a prior export, so capturePane-based ready/exit detection immediately has
// context instead of starting from an empty pane after a restart.
func (m *Manager) ImportTranscript(name string, t *Transcript) error {
	session, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	session.appendScrollback([]byte(t.Scrollback))
	return nil
}
