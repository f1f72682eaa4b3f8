// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// scrollbackLimit bounds the raw-output ring buffer each session keeps for
// CapturePane. It is deliberately small: callers after more history should
// be reading the output processor's own rolling buffer instead.
const scrollbackLimit = 64 * 1024

// subscriber is one onData registration: a bounded channel drained by a
// dedicated goroutine that invokes the caller's handler. Slow subscribers
// drop their oldest pending chunk rather than block the PTY read loop.
type subscriber struct {
	ch      chan []byte
	dropped atomic.Uint64
	stopCh  chan struct{}
}

// Session is a PTY wrapping one long-lived CLI child process.
type Session struct {
	name             string
	workingDirectory string
	runtimeType      string
	role             string
	teamID           string
	memberID         string
	createdAt        time.Time

	cumulativeOutputBytes atomic.Uint64

	writeMu sync.Mutex // serializes writes to the PTY
	ptmx    *os.File
	cmd     *exec.Cmd

	subMu       sync.Mutex
	subscribers map[*subscriber]struct{}

	exitMu   sync.Mutex
	exitSubs map[*struct{ fn ExitHandler }]struct{}
	exited   atomic.Bool

	bufferSize int
	closeOnce  sync.Once
	doneCh     chan struct{}

	scrollbackMu sync.Mutex
	scrollback   bytes.Buffer

	controlMu sync.Mutex
	control   *ControlRequest
}

func newSession(opts CreateOptions, ptmx *os.File, cmd *exec.Cmd, bufferSize int) *Session {
	return &Session{
		name:             opts.Name,
		workingDirectory: opts.WorkingDirectory,
		runtimeType:      opts.RuntimeType,
		role:             opts.Role,
		teamID:           opts.TeamID,
		memberID:         opts.MemberID,
		createdAt:        time.Now(),
		ptmx:             ptmx,
		cmd:              cmd,
		subscribers:      make(map[*subscriber]struct{}),
		exitSubs:         make(map[*struct{ fn ExitHandler }]struct{}),
		bufferSize:       bufferSize,
		doneCh:           make(chan struct{}),
	}
}

// Info returns an exported summary snapshot of this session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		Name:                  s.name,
		WorkingDirectory:      s.workingDirectory,
		RuntimeType:           s.runtimeType,
		Role:                  s.role,
		TeamID:                s.teamID,
		MemberID:              s.memberID,
		CreatedAt:             s.createdAt,
		CumulativeOutputBytes: s.cumulativeOutputBytes.Load(),
	}
}

// Name returns the session's unique name.
func (s *Session) Name() string { return s.name }

// RuntimeType returns the session's runtime type.
func (s *Session) RuntimeType() string { return s.runtimeType }

// write serializes writes to the PTY so large writes are never interleaved
// or split across control-sequence boundaries by a concurrent write.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(data)
	return err
}

func (s *Session) resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// onData registers a handler for this session's output. The returned
// unsubscribe function stops and drains the subscriber's goroutine.
func (s *Session) onData(cb DataHandler) Unsubscribe {
	sub := &subscriber{
		ch:     make(chan []byte, s.bufferSize),
		stopCh: make(chan struct{}),
	}

	s.subMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subMu.Unlock()

	go func() {
		for {
			select {
			case <-sub.stopCh:
				return
			case chunk := <-sub.ch:
				cb(chunk)
			}
		}
	}()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, sub)
		s.subMu.Unlock()
		close(sub.stopCh)
	}
}

// onExit registers a handler that fires once when the session terminates.
func (s *Session) onExit(cb ExitHandler) Unsubscribe {
	key := &struct{ fn ExitHandler }{fn: cb}
	s.exitMu.Lock()
	if s.exited.Load() {
		s.exitMu.Unlock()
		cb()
		return func() {}
	}
	s.exitSubs[key] = struct{}{}
	s.exitMu.Unlock()

	return func() {
		s.exitMu.Lock()
		delete(s.exitSubs, key)
		s.exitMu.Unlock()
	}
}

// fanOut delivers one output chunk to every subscriber, dropping the oldest
// pending chunk for any subscriber whose buffer is full.
func (s *Session) fanOut(chunk []byte) {
	s.cumulativeOutputBytes.Add(uint64(len(chunk)))
	s.appendScrollback(chunk)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub.ch <- chunk:
		default:
			// Buffer full: drop the oldest pending chunk, then enqueue the new one.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- chunk:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// markExited fires every registered exit handler exactly once.
func (s *Session) markExited() {
	if !s.exited.CompareAndSwap(false, true) {
		return
	}
	s.closeOnce.Do(func() { close(s.doneCh) })

	s.exitMu.Lock()
	handlers := make([]ExitHandler, 0, len(s.exitSubs))
	for key := range s.exitSubs {
		handlers = append(handlers, key.fn)
	}
	s.exitSubs = make(map[*struct{ fn ExitHandler }]struct{})
	s.exitMu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (s *Session) resetCumulativeOutput() {
	s.cumulativeOutputBytes.Store(0)
}

func (s *Session) cumulativeOutput() uint64 {
	return s.cumulativeOutputBytes.Load()
}

// appendScrollback keeps only the trailing scrollbackLimit bytes.
func (s *Session) appendScrollback(chunk []byte) {
	s.scrollbackMu.Lock()
	defer s.scrollbackMu.Unlock()
	s.scrollback.Write(chunk)
	if over := s.scrollback.Len() - scrollbackLimit; over > 0 {
		remaining := append([]byte(nil), s.scrollback.Bytes()[over:]...)
		s.scrollback.Reset()
		s.scrollback.Write(remaining)
	}
}

// tailText returns the last n lines of raw scrollback. A zero or negative n
// returns the entire buffer.
func (s *Session) tailText(lines int) string {
	s.scrollbackMu.Lock()
	data := append([]byte(nil), s.scrollback.Bytes()...)
	s.scrollbackMu.Unlock()

	if lines <= 0 {
		return string(data)
	}
	parts := bytes.Split(data, []byte("\n"))
	if len(parts) <= lines {
		return string(data)
	}
	return string(bytes.Join(parts[len(parts)-lines:], []byte("\n")))
}

// droppedChunks totals the chunks discarded across all current subscribers
// because their buffers were full.
func (s *Session) droppedChunks() uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	var total uint64
	for sub := range s.subscribers {
		total += sub.dropped.Load()
	}
	return total
}

func (s *Session) raiseControl(id, prompt string) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if s.control != nil {
		return ErrControlRequestPending
	}
	s.control = &ControlRequest{ID: id, Prompt: prompt, RaisedAt: time.Now()}
	return nil
}

func (s *Session) pendingControl() (ControlRequest, bool) {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if s.control == nil {
		return ControlRequest{}, false
	}
	return *s.control, true
}

func (s *Session) resolveControl(id string) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if s.control == nil || s.control.ID != id {
		return ErrNoControlRequest
	}
	s.control = nil
	return nil
}

func (s *Session) pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
