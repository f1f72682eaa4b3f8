// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package exitmon implements the Runtime Exit Monitor: it decides when an
// agent's CLI has actually exited, as distinct from the PTY's underlying
// shell dying, by combining pattern matches in recent output with a
// shell-prompt check and a periodic process-liveness poll.
package exitmon

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wingedpig/agentrund/internal/backend"
	"github.com/wingedpig/agentrund/internal/config"
	"github.com/wingedpig/agentrund/internal/output"
	"github.com/wingedpig/agentrund/internal/runtime"
)

var logger = log.New(os.Stderr, "[exitmon] ", log.LstdFlags)

// rollingBufferSize bounds the monitor's own copy of recent cleaned output,
// kept independently of the Output Processor's buffer so tearing one down
// never disturbs the other.
const rollingBufferSize = 32 * 1024

// State is the monitor's per-session state machine.
type State int

const (
	StateIdle State = iota
	StatePatternMatched
	StateConfirmed
	StateReacted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePatternMatched:
		return "pattern-matched"
	case StateConfirmed:
		return "confirmed"
	case StateReacted:
		return "reacted"
	default:
		return "unknown"
	}
}

// ConfirmedExitHandler is invoked exactly once, when exit is confirmed. The
// caller (the Registration/Restart Coordinator) is responsible for what
// follows: canceling pending registration work, checking for in-progress
// tasks and delegating to restart, or else marking the agent inactive.
type ConfirmedExitHandler func(sessionName string)

// Monitor watches one session for CLI exit.
type Monitor struct {
	sessionName string
	be          *backend.Manager
	rt          *runtime.Runtime
	cfg         config.ExitMonitorConfig
	onConfirmed ConfirmedExitHandler

	confirmationDelay time.Duration
	livenessInterval  time.Duration
	startupGrace      time.Duration

	startedAt time.Time

	stateMu sync.Mutex
	state   State

	bufMu sync.Mutex
	buf   []byte

	unsubData backend.Unsubscribe
	unsubExit backend.Unsubscribe
	stopCh    chan struct{}
	stopOnce  sync.Once
	reacted   atomic.Bool
}

// New constructs a Monitor for one session. It does not start watching
// until Start is called.
func New(sessionName string, be *backend.Manager, rt *runtime.Runtime, cfg config.ExitMonitorConfig, onConfirmed ConfirmedExitHandler) *Monitor {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}
	return &Monitor{
		sessionName:       sessionName,
		be:                be,
		rt:                rt,
		cfg:               cfg,
		onConfirmed:       onConfirmed,
		confirmationDelay: parse(cfg.ConfirmationDelay, 250*time.Millisecond),
		livenessInterval:  parse(cfg.LivenessInterval, 5*time.Second),
		startupGrace:      parse(cfg.StartupGrace, 10*time.Second),
		stopCh:            make(chan struct{}),
	}
}

// Start subscribes to the session's output and begins the liveness poll.
func (m *Monitor) Start() error {
	m.startedAt = time.Now()

	unsubData, err := m.be.OnData(m.sessionName, m.onData)
	if err != nil {
		return err
	}
	m.unsubData = unsubData

	unsubExit, err := m.be.OnExit(m.sessionName, func() {
		// The backend itself reports PTY death; treat it as an immediate
		// confirmed exit without needing a shell-prompt check.
		m.confirmExit()
	})
	if err != nil {
		unsubData()
		return err
	}
	m.unsubExit = unsubExit

	go m.livenessLoop()
	return nil
}

// Stop tears down the subscription; once reacted, Start's caller does not
// need to call this, but it is safe to call unconditionally.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.unsubData != nil {
			m.unsubData()
		}
		if m.unsubExit != nil {
			m.unsubExit()
		}
	})
}

func (m *Monitor) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Monitor) withinStartupGrace() bool {
	return time.Since(m.startedAt) < m.startupGrace
}

func (m *Monitor) onData(chunk []byte) {
	if m.reacted.Load() {
		return
	}

	cleaned := output.StripANSI(chunk)
	m.bufMu.Lock()
	m.buf = append(m.buf, cleaned...)
	if over := len(m.buf) - rollingBufferSize; over > 0 {
		m.buf = append([]byte(nil), m.buf[over:]...)
	}
	text := string(m.buf)
	m.bufMu.Unlock()

	if m.withinStartupGrace() {
		return
	}

	m.stateMu.Lock()
	if m.state != StateIdle || !m.rt.MatchesExit(text) {
		m.stateMu.Unlock()
		return
	}
	m.state = StatePatternMatched
	m.stateMu.Unlock()

	go m.confirmAfterDelay()
}

// confirmAfterDelay implements the pattern-matched -> confirmed transition:
// wait the confirmation delay, then require a visible shell prompt before
// treating the exit as real.
func (m *Monitor) confirmAfterDelay() {
	select {
	case <-time.After(m.confirmationDelay):
	case <-m.stopCh:
		return
	}

	if m.shellPromptVisible() {
		m.confirmExit()
		return
	}

	// False positive: the pattern matched transient output (e.g. the agent
	// printed a line resembling its own exit banner). Return to idle so a
	// genuine exit can still be detected later.
	m.stateMu.Lock()
	if m.state == StatePatternMatched {
		m.state = StateIdle
	}
	m.stateMu.Unlock()
}

func (m *Monitor) shellPromptVisible() bool {
	pane, err := m.be.CapturePane(m.sessionName, 5)
	if err != nil {
		return false
	}
	for _, re := range runtime.ShellPromptPatterns() {
		if re.MatchString(pane) {
			return true
		}
	}
	return false
}

// livenessLoop polls process liveness as the second path to a confirmed
// exit, independent of pattern matching.
func (m *Monitor) livenessLoop() {
	ticker := time.NewTicker(m.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.reacted.Load() || m.withinStartupGrace() {
				continue
			}
			if m.State() != StateIdle {
				continue
			}
			if !m.be.IsChildProcessAlive(m.sessionName) && m.shellPromptVisible() {
				m.confirmExit()
			}
		}
	}
}

// confirmExit fires the terminal transition exactly once.
func (m *Monitor) confirmExit() {
	if !m.reacted.CompareAndSwap(false, true) {
		return
	}

	m.stateMu.Lock()
	m.state = StateConfirmed
	m.stateMu.Unlock()

	if m.onConfirmed != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Printf("session %s: onConfirmed handler panicked: %v", m.sessionName, r)
				}
			}()
			m.onConfirmed(m.sessionName)
		}()
	}

	m.stateMu.Lock()
	m.state = StateReacted
	m.stateMu.Unlock()

	m.Stop()
}
