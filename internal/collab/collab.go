// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package collab declares the external-collaborator interfaces the core
// consumes but does not implement: persistent storage, task tracking,
// session memory, chat bridges, and prompt-template assembly. This package
// only describes the boundary, plus in-memory fakes used by tests and by
// the standalone binary when no richer collaborator is wired in.
package collab

import "context"

// AgentStatus mirrors the Registration Coordinator's owned status enum.
type AgentStatus string

const (
	StatusActivating AgentStatus = "activating"
	StatusActive     AgentStatus = "active"
	StatusInactive   AgentStatus = "inactive"
	StatusError      AgentStatus = "error"
)

// Team and Project are opaque summaries; the core never inspects their
// fields beyond what callers explicitly pass through.
type Team struct {
	ID   string
	Name string
}

type Project struct {
	ID   string
	Path string
}

// Storage is the persistence collaborator for orchestrator/agent status and
// team/project metadata.
type Storage interface {
	GetOrchestratorStatus(ctx context.Context) (AgentStatus, error)
	UpdateAgentStatus(ctx context.Context, sessionName string, status AgentStatus) error
	GetTeams(ctx context.Context) ([]Team, error)
	GetProjects(ctx context.Context) ([]Project, error)
}

// InProgressTask is read-only from the core's perspective; task lifecycle is
// owned by the Task Tracking collaborator.
type InProgressTask struct {
	ID                  string
	AssignedSessionName string
	TaskFilePath        string
	TaskName            string
	Status              string
}

// TaskTracking supplies in-progress work for restart-time re-delivery.
type TaskTracking interface {
	GetTasksForTeamMember(ctx context.Context, memberID string) ([]InProgressTask, error)
}

// Memory captures/retrieves session-scoped briefing context around an
// agent's lifecycle.
type Memory interface {
	InitializeForSession(ctx context.Context, sessionName, role, cwd string) error
	OnSessionEnd(ctx context.Context, sessionName, role, cwd string) error
}

// NotificationPayload is forwarded to an external chat bridge.
type NotificationPayload struct {
	Type      string
	Title     string
	Message   string
	Urgency   string
	ChannelID string
	ThreadTS  string
}

// Bridges fans notifications out to external chat systems (Slack, WhatsApp).
type Bridges interface {
	SendNotification(ctx context.Context, payload NotificationPayload) error
	MarkDeliveredBySkill(ctx context.Context, channelID, threadTS string) error
}

// PromptTemplateData parameterizes task-assignment prompt assembly.
type PromptTemplateData struct {
	SessionName  string
	Role         string
	TaskName     string
	TaskFilePath string
	TaskBody     string
}

// PromptTemplate assembles the text sent to the orchestrator when assigning work.
type PromptTemplate interface {
	GetOrchestratorTaskAssignmentPrompt(ctx context.Context, data PromptTemplateData) (string, error)
}
