// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the Agent Registration / Restart Coordinator:
// it owns the create/terminate lifecycle for agent PTY sessions, wires each
// session into the Runtime Exit Monitor and Context Window Monitor, and
// drives restart-with-task-preservation when an exit is confirmed or the
// Context Window Monitor escalates past exhausted compaction.
package registry

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/collab"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/ctxmon"
	"github.com/wingedpig/agentrund/internal/events"
	"github.com/wingedpig/agentrund/internal/exitmon"
	"github.com/wingedpig/agentrund/internal/output"
	"github.com/wingedpig/agentrund/internal/runtime"
)

var logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// AgentSessionOptions parameterizes CreateAgentSession. It mirrors
// backend.CreateOptions minus the fields the coordinator computes itself
// (LaunchArgs, from the runtime type plus any resume id).
type AgentSessionOptions struct {
	Name             string
	WorkingDirectory string
	RuntimeType      string
	Role             string
	TeamID           string
	MemberID         string
	Env              []string
	Cols             int
	Rows             int
}

type registeredSession struct {
	opts     AgentSessionOptions
	resumeID string
	exit     *exitmon.Monitor
}

// Coordinator is the Agent Registration / Restart Coordinator.
type Coordinator struct {
	be       *backend.Manager
	runtimes *runtime.Table
	bus      events.EventBus
	ctxMon   *ctxmon.Monitor

	storage collab.Storage
	tasks   collab.TaskTracking
	memory  collab.Memory
	prompts collab.PromptTemplate

	cfg     config.RegistryConfig
	exitCfg config.ExitMonitorConfig

	readyTimeout  time.Duration
	initWait      time.Duration
	interTaskGap  time.Duration
	taskCharLimit int

	mu       sync.Mutex
	sessions map[string]*registeredSession
}

// New constructs a Coordinator. prompts may be nil, in which case a minimal
// default template is used.
func New(
	be *backend.Manager,
	runtimes *runtime.Table,
	bus events.EventBus,
	ctxMon *ctxmon.Monitor,
	storage collab.Storage,
	tasks collab.TaskTracking,
	memory collab.Memory,
	prompts collab.PromptTemplate,
	cfg config.RegistryConfig,
	exitCfg config.ExitMonitorConfig,
) *Coordinator {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}
	if prompts == nil {
		prompts = collab.DefaultPromptTemplate{}
	}
	charLimit := cfg.TaskFileCharLimit
	if charLimit <= 0 {
		charLimit = 2000
	}
	return &Coordinator{
		be:            be,
		runtimes:      runtimes,
		bus:           bus,
		ctxMon:        ctxMon,
		storage:       storage,
		tasks:         tasks,
		memory:        memory,
		prompts:       prompts,
		cfg:           cfg,
		exitCfg:       exitCfg,
		readyTimeout:  parse(cfg.ReadyTimeout, 30*time.Second),
		initWait:      parse(cfg.InitWaitAfterRestart, 5*time.Second),
		interTaskGap:  parse(cfg.InterTaskGap, 2*time.Second),
		taskCharLimit: charLimit,
		sessions:      make(map[string]*registeredSession),
	}
}

// CreateAgentSession spawns (or, if the name already exists, returns) an
// agent's PTY session, subscribes the exit and context monitors, and starts
// a background wait for the runtime's ready pattern, which marks the agent
// active. It returns without waiting for the ready pattern.
func (c *Coordinator) CreateAgentSession(ctx context.Context, opts AgentSessionOptions) (*backend.Session, error) {
	if !sessionNamePattern.MatchString(opts.Name) {
		return nil, fmt.Errorf("invalid session name %q", opts.Name)
	}

	if s, ok := c.be.GetSession(opts.Name); ok {
		return s, nil // idempotent: already registered and running
	}

	rt, ok := c.runtimes.Get(opts.RuntimeType)
	if !ok {
		return nil, fmt.Errorf("unknown runtime type %q", opts.RuntimeType)
	}

	c.setStatus(ctx, opts.Name, collab.StatusActivating)
	c.publish(opts.Name, events.EventAgentActivating, map[string]interface{}{"status": string(collab.StatusActivating)})

	session, err := c.be.CreateSession(ctx, backend.CreateOptions{
		Name:             opts.Name,
		WorkingDirectory: opts.WorkingDirectory,
		RuntimeType:      opts.RuntimeType,
		Role:             opts.Role,
		TeamID:           opts.TeamID,
		MemberID:         opts.MemberID,
		LaunchArgs:       rt.LaunchArgs(""),
		Env:              opts.Env,
		Cols:             opts.Cols,
		Rows:             opts.Rows,
	})
	if err != nil {
		c.setStatus(ctx, opts.Name, collab.StatusError)
		c.publish(opts.Name, events.EventAgentError, map[string]interface{}{"status": string(collab.StatusError), "reason": err.Error()})
		return nil, err
	}

	entry := &registeredSession{opts: opts}
	entry.exit = exitmon.New(opts.Name, c.be, rt, c.exitCfg, c.handleConfirmedExit)
	if err := entry.exit.Start(); err != nil {
		logger.Printf("session %s: exit monitor failed to start: %v", opts.Name, err)
	}

	if c.ctxMon != nil {
		if err := c.ctxMon.AddSession(opts.Name, opts.MemberID, opts.TeamID, opts.Role, opts.RuntimeType); err != nil {
			logger.Printf("session %s: context monitor failed to start: %v", opts.Name, err)
		}
	}

	c.mu.Lock()
	c.sessions[opts.Name] = entry
	c.mu.Unlock()

	if c.memory != nil {
		if err := c.memory.InitializeForSession(ctx, opts.Name, opts.Role, opts.WorkingDirectory); err != nil {
			logger.Printf("session %s: memory init failed: %v", opts.Name, err)
		}
	}

	go c.awaitReady(opts.Name, rt)

	return session, nil
}

// awaitReady polls the session's pane for the runtime's ready pattern and
// transitions status to active or error accordingly.
func (c *Coordinator) awaitReady(name string, rt *runtime.Runtime) {
	deadline := time.Now().Add(c.readyTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		<-ticker.C
		if !c.be.SessionExists(name) {
			return // exited before becoming ready; exit monitor handles it
		}
		pane, err := c.be.CapturePane(name, 20)
		if err != nil {
			continue
		}
		if rt.MatchesReady(output.StripANSI([]byte(pane))) || rt.MatchesReady(pane) {
			c.setStatus(context.Background(), name, collab.StatusActive)
			c.publish(name, events.EventAgentActive, map[string]interface{}{"status": string(collab.StatusActive)})
			return
		}
	}

	c.setStatus(context.Background(), name, collab.StatusError)
	c.publish(name, events.EventAgentError, map[string]interface{}{"status": string(collab.StatusError), "reason": "ready timeout"})
}

// TerminateAgentSession kills the PTY, tears down its monitors, and marks
// the agent inactive. It is idempotent.
func (c *Coordinator) TerminateAgentSession(ctx context.Context, name string) error {
	c.mu.Lock()
	entry, ok := c.sessions[name]
	delete(c.sessions, name)
	c.mu.Unlock()

	if ok && entry.exit != nil {
		entry.exit.Stop()
	}
	if c.ctxMon != nil {
		c.ctxMon.RemoveSession(name)
	}

	if err := c.be.KillSession(name); err != nil {
		return err
	}

	c.setStatus(ctx, name, collab.StatusInactive)
	c.publish(name, events.EventAgentInactive, map[string]interface{}{"status": string(collab.StatusInactive)})

	if ok && c.memory != nil {
		c.memory.OnSessionEnd(ctx, name, entry.opts.Role, entry.opts.WorkingDirectory)
	}
	return nil
}

// handleConfirmedExit is the exitmon.ConfirmedExitHandler: it re-delivers
// in-progress tasks via restart when the agent had outstanding work,
// otherwise it simply marks the agent inactive.
func (c *Coordinator) handleConfirmedExit(name string) {
	ctx := context.Background()
	c.publish(name, events.EventExitDetected, nil)

	c.mu.Lock()
	entry, ok := c.sessions[name]
	c.mu.Unlock()
	if !ok {
		return
	}

	var pending []collab.InProgressTask
	if c.tasks != nil && entry.opts.MemberID != "" {
		tasks, err := c.tasks.GetTasksForTeamMember(ctx, entry.opts.MemberID)
		if err == nil {
			pending = tasks
		}
	}

	// The orchestrator is never auto-restarted on exit: it is the session
	// users talk to, so a surprise respawn would silently discard whatever
	// conversation state the operator was debugging. Team members with
	// unfinished tasks are restarted so the work resumes.
	if len(pending) == 0 || name == c.cfg.OrchestratorName {
		c.finalizeAfterExit(ctx, name, entry)
		return
	}

	c.restart(ctx, name, events.RestartTriggerExitDetected, pending)
}

func (c *Coordinator) finalizeAfterExit(ctx context.Context, name string, entry *registeredSession) {
	c.mu.Lock()
	delete(c.sessions, name)
	c.mu.Unlock()

	if c.ctxMon != nil {
		c.ctxMon.RemoveSession(name)
	}
	c.setStatus(ctx, name, collab.StatusInactive)
	c.publish(name, events.EventAgentInactive, map[string]interface{}{"status": string(collab.StatusInactive)})
	if c.memory != nil {
		c.memory.OnSessionEnd(ctx, name, entry.opts.Role, entry.opts.WorkingDirectory)
	}
}

// Restart satisfies ctxmon.RestartFunc: the Context Window Monitor calls
// this when compaction is exhausted and auto-recovery is enabled.
func (c *Coordinator) Restart(name string) {
	ctx := context.Background()
	c.mu.Lock()
	entry, ok := c.sessions[name]
	c.mu.Unlock()
	if !ok {
		return
	}

	var pending []collab.InProgressTask
	if c.tasks != nil && entry.opts.MemberID != "" {
		tasks, err := c.tasks.GetTasksForTeamMember(ctx, entry.opts.MemberID)
		if err == nil {
			pending = tasks
		}
	}
	c.restart(ctx, name, events.RestartTriggerContextLimit, pending)
}

// restart snapshots the resume id, tears the old session down, re-creates
// it, waits for initialization, and re-delivers any pending tasks with
// paste-safe pacing.
func (c *Coordinator) restart(ctx context.Context, name string, trigger events.RestartTrigger, pending []collab.InProgressTask) {
	c.mu.Lock()
	entry, ok := c.sessions[name]
	c.mu.Unlock()
	if !ok {
		return
	}

	resumeID := entry.resumeID
	opts := entry.opts

	transcript, err := c.be.ExportTranscript(name)
	if err != nil {
		logger.Printf("restart %s: transcript export failed: %v", name, err)
		transcript = nil
	}

	if entry.exit != nil {
		entry.exit.Stop()
	}
	if c.ctxMon != nil {
		c.ctxMon.RemoveSession(name)
	}
	c.be.KillSession(name)

	c.mu.Lock()
	delete(c.sessions, name)
	c.mu.Unlock()

	rt, ok := c.runtimes.Get(opts.RuntimeType)
	if !ok {
		logger.Printf("restart %s: unknown runtime type %q, aborting", name, opts.RuntimeType)
		return
	}

	c.setStatus(ctx, name, collab.StatusActivating)
	session, err := c.be.CreateSession(ctx, backend.CreateOptions{
		Name:             opts.Name,
		WorkingDirectory: opts.WorkingDirectory,
		RuntimeType:      opts.RuntimeType,
		Role:             opts.Role,
		TeamID:           opts.TeamID,
		MemberID:         opts.MemberID,
		LaunchArgs:       rt.LaunchArgs(resumeID),
		Env:              opts.Env,
		Cols:             opts.Cols,
		Rows:             opts.Rows,
	})
	if err != nil {
		c.setStatus(ctx, name, collab.StatusError)
		c.publish(name, events.EventAgentError, map[string]interface{}{"status": string(collab.StatusError), "reason": err.Error()})
		return
	}
	_ = session

	if transcript != nil {
		if err := c.be.ImportTranscript(name, transcript); err != nil {
			logger.Printf("restart %s: transcript import failed: %v", name, err)
		}
	}

	newEntry := &registeredSession{opts: opts, resumeID: resumeID}
	newEntry.exit = exitmon.New(name, c.be, rt, c.exitCfg, c.handleConfirmedExit)
	if err := newEntry.exit.Start(); err != nil {
		logger.Printf("restart %s: exit monitor failed to start: %v", name, err)
	}
	if c.ctxMon != nil {
		if err := c.ctxMon.AddSession(name, opts.MemberID, opts.TeamID, opts.Role, opts.RuntimeType); err != nil {
			logger.Printf("restart %s: context monitor failed to start: %v", name, err)
		}
	}

	c.mu.Lock()
	c.sessions[name] = newEntry
	c.mu.Unlock()

	go c.awaitReady(name, rt)

	time.Sleep(c.initWait)

	for _, task := range pending {
		body := c.freshTaskBody(task)
		if len(body) > c.taskCharLimit {
			body = body[:c.taskCharLimit] + "\n[... truncated]"
		}
		prompt, err := c.prompts.GetOrchestratorTaskAssignmentPrompt(ctx, collab.PromptTemplateData{
			SessionName:  name,
			Role:         opts.Role,
			TaskName:     task.TaskName,
			TaskFilePath: task.TaskFilePath,
			TaskBody:     body,
		})
		if err != nil {
			logger.Printf("restart %s: prompt assembly failed for task %s: %v", name, task.ID, err)
			continue
		}
		c.deliverPasteSafe(name, prompt)
		time.Sleep(c.interTaskGap)
	}

	c.publish(name, events.EventAgentRestarted, map[string]interface{}{"status": string(collab.StatusActive), "trigger": string(trigger)})
}

// freshTaskBody re-reads a task's on-disk briefing file, if any, so a
// restarted agent's re-delivered task reflects the latest edit rather than
// whatever was in memory when the exit was detected. It waits briefly for
// an in-flight edit to settle before giving up and using the file as-is.
func (c *Coordinator) freshTaskBody(task collab.InProgressTask) string {
	if task.TaskFilePath == "" {
		return task.TaskName
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(task.TaskFilePath); err == nil {
			select {
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(300 * time.Millisecond):
			}
		}
	}

	data, err := os.ReadFile(task.TaskFilePath)
	if err != nil {
		logger.Printf("task %s: re-reading briefing file %s failed: %v", task.ID, task.TaskFilePath, err)
		return task.TaskName
	}
	return string(data)
}

// deliverPasteSafe writes text into a PTY in one write, waits a delay scaled
// to its length (base + ceil(len/10) ms, capped at the max), then sends
// Enter, so the CLI has taken in the whole paste before it is submitted.
func (c *Coordinator) deliverPasteSafe(sessionName, text string) {
	base := c.cfg.PasteBaseDelayMs
	if base <= 0 {
		base = 50
	}
	max := c.cfg.PasteMaxDelayMs
	if max <= 0 {
		max = 5000
	}

	delay := base + int(math.Ceil(float64(len(text))/10))
	if delay > max {
		delay = max
	}

	c.be.Write(sessionName, []byte(text))
	time.Sleep(time.Duration(delay) * time.Millisecond)
	c.be.Write(sessionName, []byte(runtime.KeyEnter))
}

// SetResumeID records the runtime-exposed resumable conversation id for a
// session, so a later restart launches the CLI with its resume flag instead
// of starting fresh. Runtimes without a resume flag ignore the id and
// degrade to a fresh CLI plus task re-delivery.
func (c *Coordinator) SetResumeID(name, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[name]; ok {
		entry.resumeID = id
	}
}

func (c *Coordinator) setStatus(ctx context.Context, name string, status collab.AgentStatus) {
	if c.storage == nil {
		return
	}
	if err := c.storage.UpdateAgentStatus(ctx, name, status); err != nil {
		logger.Printf("session %s: status update to %s failed: %v", name, status, err)
	}
}

func (c *Coordinator) publish(sessionName, eventType string, extra map[string]interface{}) {
	if c.bus == nil {
		return
	}
	evt := events.Event{
		Type:        eventType,
		Timestamp:   time.Now(),
		SessionName: sessionName,
		Payload:     extra,
	}
	if err := c.bus.Publish(context.Background(), evt); err != nil {
		logger.Printf("session %s: publish %s failed: %v", sessionName, eventType, err)
	}
}
