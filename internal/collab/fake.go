// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"context"
	"sync"
)

// FakeStorage is an in-memory Storage used by tests and by the standalone
// cmd/agentrund binary when no external collaborator is configured.
type FakeStorage struct {
	mu     sync.Mutex
	status map[string]AgentStatus
	orch   AgentStatus
	teams  []Team
	projs  []Project
}

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{status: make(map[string]AgentStatus), orch: StatusInactive}
}

func (s *FakeStorage) GetOrchestratorStatus(context.Context) (AgentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch, nil
}

func (s *FakeStorage) UpdateAgentStatus(_ context.Context, sessionName string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[sessionName] = status
	if sessionName == "orchestrator" {
		s.orch = status
	}
	return nil
}

func (s *FakeStorage) StatusOf(sessionName string) AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[sessionName]
}

func (s *FakeStorage) GetTeams(context.Context) ([]Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Team(nil), s.teams...), nil
}

func (s *FakeStorage) GetProjects(context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Project(nil), s.projs...), nil
}

// FakeTaskTracking is an in-memory TaskTracking keyed by member ID.
type FakeTaskTracking struct {
	mu    sync.Mutex
	tasks map[string][]InProgressTask
}

func NewFakeTaskTracking() *FakeTaskTracking {
	return &FakeTaskTracking{tasks: make(map[string][]InProgressTask)}
}

func (f *FakeTaskTracking) SetTasks(memberID string, tasks []InProgressTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[memberID] = tasks
}

func (f *FakeTaskTracking) GetTasksForTeamMember(_ context.Context, memberID string) ([]InProgressTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InProgressTask(nil), f.tasks[memberID]...), nil
}

// FakeMemory records lifecycle calls without persisting anything durable.
type FakeMemory struct {
	mu        sync.Mutex
	initCalls []string
	endCalls  []string
}

func NewFakeMemory() *FakeMemory { return &FakeMemory{} }

func (m *FakeMemory) InitializeForSession(_ context.Context, sessionName, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls = append(m.initCalls, sessionName)
	return nil
}

func (m *FakeMemory) OnSessionEnd(_ context.Context, sessionName, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endCalls = append(m.endCalls, sessionName)
	return nil
}

// FakeBridges records outbound notifications for inspection in tests.
type FakeBridges struct {
	mu    sync.Mutex
	sent  []NotificationPayload
	acked []string
}

func NewFakeBridges() *FakeBridges { return &FakeBridges{} }

func (b *FakeBridges) SendNotification(_ context.Context, payload NotificationPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, payload)
	return nil
}

func (b *FakeBridges) MarkDeliveredBySkill(_ context.Context, channelID, threadTS string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, channelID+"/"+threadTS)
	return nil
}

func (b *FakeBridges) Sent() []NotificationPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]NotificationPayload(nil), b.sent...)
}

// Acked returns "channelID/threadTS" entries recorded by MarkDeliveredBySkill.
func (b *FakeBridges) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// DefaultPromptTemplate renders a minimal, deterministic assignment prompt
// when no richer collaborator template is wired in.
type DefaultPromptTemplate struct{}

func (DefaultPromptTemplate) GetOrchestratorTaskAssignmentPrompt(_ context.Context, data PromptTemplateData) (string, error) {
	prompt := "[TASK RE-DELIVERY]\nRole: " + data.Role + "\nTask: " + data.TaskName
	if data.TaskFilePath != "" {
		prompt += "\nFile: " + data.TaskFilePath
	}
	return prompt + "\n\n" + data.TaskBody, nil
}
