// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package ctxmon

import (
	"context"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/events"
	"github.com/wingedpig/agentrund/internal/output"
	"github.com/wingedpig/agentrund/internal/runtime"
)

var logger = log.New(os.Stderr, "[ctxmon] ", log.LstdFlags)

const monitorBufferSize = 8 * 1024

var (
	reContextOf  = regexp.MustCompile(`(?i)(\d{1,3})%\s*(?:of\s+)?context`)
	reContextCol = regexp.MustCompile(`(?i)context[:\s]+(\d{1,3})%`)
	reContextCtx = regexp.MustCompile(`(?i)(\d{1,3})%\s*ctx`)
)

// RestartFunc delegates to the Restart Coordinator when auto-recovery fires.
type RestartFunc func(sessionName string)

type sessionEntry struct {
	state *State
	rt    *runtime.Runtime
	unsub backend.Unsubscribe

	bufMu sync.Mutex
	buf   []byte

	// broadcastTimer holds the pending debounced context.updated publish
	// for this session, nil when none is armed. Guarded by Monitor.mu.
	broadcastTimer *time.Timer

	lastProactiveCompactAt time.Time
}

// Monitor watches every registered session's output for context-usage
// percentages and drives compaction, and optionally restart, as sessions
// approach saturation.
type Monitor struct {
	be       *backend.Manager
	runtimes *runtime.Table
	bus      events.EventBus
	restart  RestartFunc
	cfg      config.ContextMonitorConfig

	thresholds thresholds

	maxCompactAttempts     int
	compactRetryCooldown   time.Duration
	retryTickInterval      time.Duration
	proactiveByteThreshold int64
	proactiveCooldown      time.Duration
	staleThreshold         time.Duration
	autoRecoveryEnabled    bool
	maxRecoveriesPerWindow int
	cooldownWindow         time.Duration
	broadcastDebounce      time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Context Window Monitor.
func New(be *backend.Manager, runtimes *runtime.Table, bus events.EventBus, restart RestartFunc, cfg config.ContextMonitorConfig) *Monitor {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}

	m := &Monitor{
		be:                     be,
		runtimes:               runtimes,
		bus:                    bus,
		restart:                restart,
		cfg:                    cfg,
		thresholds:             thresholds{yellow: cfg.YellowThreshold, red: cfg.RedThreshold, critical: cfg.CriticalThreshold},
		maxCompactAttempts:     cfg.MaxCompactAttempts,
		compactRetryCooldown:   parse(cfg.CompactRetryCooldown, 60*time.Second),
		retryTickInterval:      parse(cfg.RetryTickInterval, 30*time.Second),
		proactiveByteThreshold: cfg.ProactiveByteThreshold,
		proactiveCooldown:      parse(cfg.ProactiveCooldown, 10*time.Minute),
		staleThreshold:         parse(cfg.StaleDetectionThreshold, 15*time.Minute),
		autoRecoveryEnabled:    cfg.AutoRecoveryEnabled,
		maxRecoveriesPerWindow: cfg.MaxRecoveriesPerWindow,
		cooldownWindow:         parse(cfg.CooldownWindow, 30*time.Minute),
		broadcastDebounce:      parse(cfg.UsageBroadcastDebounce, 10*time.Second),
		sessions:               make(map[string]*sessionEntry),
		stopCh:                 make(chan struct{}),
	}
	if m.broadcastDebounce <= 0 {
		m.broadcastDebounce = 10 * time.Second
	}
	go m.tickLoop()
	return m
}

// AddSession subscribes to a session's output and begins tracking its
// context state.
func (m *Monitor) AddSession(sessionName, memberID, teamID, role, runtimeType string) error {
	rt, ok := m.runtimes.Get(runtimeType)
	if !ok {
		rt = &runtime.Runtime{Type: runtimeType}
	}

	entry := &sessionEntry{
		state: &State{
			SessionName: sessionName,
			MemberID:    memberID,
			TeamID:      teamID,
			Role:        role,
			RuntimeType: runtimeType,
			Level:       LevelNormal,
		},
		rt: rt,
	}

	unsub, err := m.be.OnData(sessionName, func(chunk []byte) {
		m.onData(sessionName, chunk)
	})
	if err != nil {
		return err
	}
	entry.unsub = unsub

	m.mu.Lock()
	m.sessions[sessionName] = entry
	m.mu.Unlock()
	return nil
}

// RemoveSession tears down tracking for a session (on termination/restart).
func (m *Monitor) RemoveSession(sessionName string) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	delete(m.sessions, sessionName)
	m.mu.Unlock()

	if ok && entry.unsub != nil {
		entry.unsub()
	}
	if ok {
		m.mu.Lock()
		if entry.broadcastTimer != nil {
			entry.broadcastTimer.Stop()
			entry.broadcastTimer = nil
		}
		m.mu.Unlock()
	}
}

// Stop tears down the background tick loop. Per-session subscriptions must
// be released individually via RemoveSession.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for _, entry := range m.sessions {
			if entry.broadcastTimer != nil {
				entry.broadcastTimer.Stop()
				entry.broadcastTimer = nil
			}
		}
		m.mu.Unlock()
	})
}

func (m *Monitor) onData(sessionName string, chunk []byte) {
	m.mu.Lock()
	entry, ok := m.sessions[sessionName]
	m.mu.Unlock()
	if !ok {
		return
	}

	cleaned := output.StripANSI(chunk)

	entry.bufMu.Lock()
	entry.buf = append(entry.buf, cleaned...)
	if over := len(entry.buf) - monitorBufferSize; over > 0 {
		entry.buf = append([]byte(nil), entry.buf[over:]...)
	}
	text := string(entry.buf)
	entry.bufMu.Unlock()

	pct, ok := parseContextPercent(text)
	if !ok {
		return
	}

	m.processPercent(sessionName, entry, pct)
}

func parseContextPercent(text string) (int, bool) {
	for _, re := range []*regexp.Regexp{reContextOf, reContextCol, reContextCtx} {
		matches := re.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1]
		pct, err := strconv.Atoi(last[1])
		if err != nil || pct < 0 || pct > 100 {
			continue
		}
		return pct, true
	}
	return 0, false
}

func (m *Monitor) processPercent(sessionName string, entry *sessionEntry, pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := entry.state
	s.ContextPercent = pct
	s.LastDetectedAt = time.Now()

	newLevel := levelFor(pct, m.thresholds)
	oldLevel := s.Level

	if newLevel.rank() > oldLevel.rank() {
		s.Level = newLevel
		switch newLevel {
		case LevelYellow:
			m.publishImmediate(sessionName, events.EventContextWarning, entry)
		case LevelRed:
			m.publishImmediate(sessionName, events.EventContextWarning, entry)
			m.tryCompact(sessionName, entry)
		case LevelCritical:
			m.publishImmediate(sessionName, events.EventContextCritical, entry)
			if !m.tryCompact(sessionName, entry) {
				m.maybeAutoRecover(sessionName, s)
			}
		}
	} else if newLevel != oldLevel {
		// Downward transition (a lower percent was parsed): on a return to
		// normal, reset attempt state.
		s.Level = newLevel
		if newLevel == LevelNormal {
			s.CompactAttempts = 0
			s.CompactInProgress = false
		}
	} else {
		m.debouncedUpdateLocked(sessionName, entry)
	}
}

// tryCompact writes the runtime's native compact command, bounded by
// MaxCompactAttempts. Returns false when compaction was not attempted
// (no native command, or attempts exhausted).
func (m *Monitor) tryCompact(sessionName string, entry *sessionEntry) bool {
	s := entry.state
	if !entry.rt.HasCompact() {
		return false
	}
	if s.CompactAttempts >= m.maxCompactAttempts {
		return false
	}

	m.be.Write(sessionName, []byte(runtime.KeyEscape))
	m.be.Write(sessionName, []byte(entry.rt.CompactCommand))
	m.be.Write(sessionName, []byte(runtime.KeyEnter))

	s.CompactAttempts++
	s.CompactInProgress = true
	s.LastCompactAt = time.Now()
	return true
}

func (m *Monitor) maybeAutoRecover(sessionName string, s *State) {
	if !m.autoRecoveryEnabled || m.restart == nil {
		return
	}

	now := time.Now()
	cutoff := now.Add(-m.cooldownWindow)
	kept := s.RecoveryTimestamps[:0]
	for _, ts := range s.RecoveryTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.RecoveryTimestamps = kept

	if len(s.RecoveryTimestamps) >= m.maxRecoveriesPerWindow {
		logger.Printf("session %s: auto-recovery refused, %d recoveries within cooldown window", sessionName, len(s.RecoveryTimestamps))
		return
	}

	s.RecoveryTimestamps = append(s.RecoveryTimestamps, now)
	s.RecoveryCount++
	go m.restart(sessionName)
}

// publishImmediate flushes on a level transition: any pending debounced
// update is superseded by the immediate broadcast. Callers must hold m.mu.
func (m *Monitor) publishImmediate(sessionName, eventType string, entry *sessionEntry) {
	if entry.broadcastTimer != nil {
		entry.broadcastTimer.Stop()
		entry.broadcastTimer = nil
	}
	m.publish(sessionName, eventType, entry.state)
}

// debouncedUpdateLocked coalesces same-level percent updates by rearming one
// timer per session, so a chatty TUI status line cannot flood the bus while
// the latest value still goes out once the line settles. Callers must hold
// m.mu.
func (m *Monitor) debouncedUpdateLocked(sessionName string, entry *sessionEntry) {
	snapshot := *entry.state
	if entry.broadcastTimer != nil {
		entry.broadcastTimer.Stop()
	}
	entry.broadcastTimer = time.AfterFunc(m.broadcastDebounce, func() {
		m.mu.Lock()
		entry.broadcastTimer = nil
		m.mu.Unlock()
		m.publish(sessionName, events.EventContextUpdated, &snapshot)
	})
}

func (m *Monitor) publish(sessionName, eventType string, s *State) {
	if m.bus == nil {
		return
	}
	evt := events.Event{
		Type:        eventType,
		Timestamp:   time.Now(),
		SessionName: sessionName,
		Payload: map[string]interface{}{
			"contextPercent": s.ContextPercent,
			"level":          string(s.Level),
			"memberId":       s.MemberID,
			"teamId":         s.TeamID,
			"role":           s.Role,
		},
	}
	if err := m.bus.Publish(context.Background(), evt); err != nil {
		logger.Printf("session %s: publish %s failed: %v", sessionName, eventType, err)
	}
}

// tickLoop drives proactive compaction, exhausted-retry, and stale reset.
func (m *Monitor) tickLoop() {
	interval := m.retryTickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runTick()
		}
	}
}

func (m *Monitor) runTick() {
	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, name := range names {
		m.mu.Lock()
		entry, ok := m.sessions[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		m.checkProactiveCompaction(name, entry, now)
		m.checkRetryExhausted(name, entry, now)
		m.checkStale(name, entry, now)
	}
}

func (m *Monitor) checkProactiveCompaction(sessionName string, entry *sessionEntry, now time.Time) {
	bytesOut, err := m.be.GetCumulativeOutputBytes(sessionName)
	if err != nil {
		return
	}
	if int64(bytesOut) < m.proactiveByteThreshold {
		return
	}

	m.mu.Lock()
	elapsed := now.Sub(entry.lastProactiveCompactAt)
	m.mu.Unlock()
	if entry.lastProactiveCompactAt.IsZero() {
		elapsed = m.proactiveCooldown // allow the first proactive compact immediately
	}
	if elapsed < m.proactiveCooldown {
		return
	}
	if !entry.rt.HasCompact() {
		return
	}

	m.be.Write(sessionName, []byte(runtime.KeyEscape))
	m.be.Write(sessionName, []byte(entry.rt.CompactCommand))
	m.be.Write(sessionName, []byte(runtime.KeyEnter))

	m.mu.Lock()
	entry.lastProactiveCompactAt = now
	m.mu.Unlock()
	m.be.ResetCumulativeOutput(sessionName)
}

func (m *Monitor) checkRetryExhausted(sessionName string, entry *sessionEntry, now time.Time) {
	m.mu.Lock()
	s := entry.state
	exhausted := s.Level == LevelCritical && s.CompactAttempts >= m.maxCompactAttempts
	readyToRetry := exhausted && now.Sub(s.LastCompactAt) >= m.compactRetryCooldown
	m.mu.Unlock()

	if !readyToRetry || !entry.rt.HasCompact() {
		return
	}

	m.be.Write(sessionName, []byte(runtime.KeyEscape))
	m.be.Write(sessionName, []byte(entry.rt.CompactCommand))
	m.be.Write(sessionName, []byte(runtime.KeyEnter))

	m.mu.Lock()
	s.LastCompactAt = now
	m.mu.Unlock()
}

func (m *Monitor) checkStale(sessionName string, entry *sessionEntry, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := entry.state
	if s.LastDetectedAt.IsZero() || s.Level == LevelNormal {
		return
	}
	if now.Sub(s.LastDetectedAt) < m.staleThreshold {
		return
	}
	s.Level = LevelNormal
	s.CompactAttempts = 0
	s.CompactInProgress = false
}
