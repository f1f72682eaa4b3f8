// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	goPs "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/wingedpig/agentrund/internal/config"
)

var logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

type existsEntry struct {
	exists    bool
	expiresAt time.Time
}

type paneEntry struct {
	text      string
	expiresAt time.Time
}

// Manager owns every PTY session in the process. It is the sole writer of
// the session map; every other component mutates sessions only through this
// API.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg config.BackendConfig

	existsCacheTTL time.Duration
	paneCacheTTL   time.Duration
	listMinRefresh time.Duration

	existsMu sync.Mutex
	existsCh map[string]existsEntry

	paneMu sync.Mutex
	paneCh map[string]paneEntry

	listMu       sync.Mutex
	listCache    []SessionInfo
	listCachedAt time.Time
}

// NewManager constructs a Session Backend from config.
func NewManager(cfg config.BackendConfig) *Manager {
	parse := func(s string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return def
		}
		return d
	}

	return &Manager{
		sessions:       make(map[string]*Session),
		cfg:            cfg,
		existsCacheTTL: parse(cfg.ExistsCacheTTL, 10*time.Second),
		paneCacheTTL:   parse(cfg.CapturePaneCacheTTL, 2*time.Second),
		listMinRefresh: parse(cfg.ListSessionsMinRefresh, 3*time.Second),
		existsCh:       make(map[string]existsEntry),
		paneCh:         make(map[string]paneEntry),
	}
}

// CreateSession spawns a new PTY session. Fails with an error for a name that
// does not match the session-name pattern, ErrAlreadyExists if the name
// collides, and ErrSpawnFailed if the process or PTY cannot be started.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	if !sessionNamePattern.MatchString(opts.Name) {
		return nil, fmt.Errorf("invalid session name %q", opts.Name)
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.Name]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	// Reserve the name before releasing the lock so concurrent creates
	// for the same name cannot both pass the check above.
	placeholder := &Session{name: opts.Name}
	m.sessions[opts.Name] = placeholder
	m.mu.Unlock()

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}

	argv := opts.LaunchArgs
	if len(argv) == 0 {
		argv = []string{m.cfg.DefaultShell}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = append(os.Environ(), opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, opts.Name)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	session := newSession(opts, ptmx, cmd, m.bufferSize())

	if err := waitUntilReadable(ptmx); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		m.mu.Lock()
		delete(m.sessions, opts.Name)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: pty not ready: %v", ErrSpawnFailed, err)
	}

	m.mu.Lock()
	m.sessions[opts.Name] = session
	m.mu.Unlock()

	// Drop any cached negative existence answer for the name. The session
	// list keeps its rate-limited snapshot until the refresh interval passes.
	m.existsMu.Lock()
	delete(m.existsCh, opts.Name)
	m.existsMu.Unlock()
	go m.readLoop(session)

	return session, nil
}

// waitUntilReadable checks the PTY file once with Stat and then waits a fixed
// settle delay before CreateSession returns. It does not read from the PTY
// and does not retry.
func waitUntilReadable(f *os.File) error {
	if _, err := f.Stat(); err != nil {
		return err
	}
	// A short settle delay absorbs the race between fork/exec and the
	// child attaching its controlling terminal.
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (m *Manager) bufferSize() int {
	if m.cfg.SubscriberBufferSize > 0 {
		return m.cfg.SubscriberBufferSize
	}
	return 256
}

// readLoop is the single dedicated reader goroutine for one PTY; it fans
// output out to subscribers and marks the session exited on EOF/error.
func (m *Manager) readLoop(s *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.fanOut(chunk)
		}
		if err != nil {
			s.ptmx.Close()
			if s.cmd.Process != nil {
				s.cmd.Process.Kill()
			}
			s.cmd.Wait()
			s.markExited()

			m.mu.Lock()
			delete(m.sessions, s.name)
			m.mu.Unlock()
			m.clearCache(s.name)
			return
		}
	}
}

// GetSession is a non-failing lookup.
func (m *Manager) GetSession(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// SessionExists reports existence, cached for up to existsCacheTTL.
func (m *Manager) SessionExists(name string) bool {
	m.existsMu.Lock()
	if e, ok := m.existsCh[name]; ok && time.Now().Before(e.expiresAt) {
		m.existsMu.Unlock()
		return e.exists
	}
	m.existsMu.Unlock()

	m.mu.RLock()
	_, exists := m.sessions[name]
	m.mu.RUnlock()

	m.existsMu.Lock()
	m.existsCh[name] = existsEntry{exists: exists, expiresAt: time.Now().Add(m.existsCacheTTL)}
	m.existsMu.Unlock()
	return exists
}

// BulkSessionExists checks many names with a single underlying listing pass.
func (m *Manager) BulkSessionExists(names []string) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]bool, len(names))
	for _, n := range names {
		_, ok := m.sessions[n]
		result[n] = ok
	}
	return result
}

// Write sends bytes to the named session's PTY in one call, never splitting
// a write across control-sequence boundaries.
func (m *Manager) Write(name string, data []byte) error {
	s, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	return s.write(data)
}

// Resize changes a session's PTY dimensions.
func (m *Manager) Resize(name string, cols, rows int) error {
	s, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	return s.resize(cols, rows)
}

// CapturePane returns a snapshot of recent output, cached briefly per
// (name, lines) to absorb bursty polling. Because the backend fans raw PTY
// bytes to subscribers rather than rendering a terminal screen itself, the
// capture here is the tail of the session's own raw scrollback record
// (ANSI sequences included), which ImportTranscript can seed after a restart.
func (m *Manager) CapturePane(name string, lines int) (string, error) {
	key := fmt.Sprintf("%s:%d", name, lines)
	m.paneMu.Lock()
	if e, ok := m.paneCh[key]; ok && time.Now().Before(e.expiresAt) {
		m.paneMu.Unlock()
		return e.text, nil
	}
	m.paneMu.Unlock()

	s, ok := m.GetSession(name)
	if !ok {
		return "", ErrSessionNotFound
	}
	text := s.tailText(lines)

	m.paneMu.Lock()
	m.paneCh[key] = paneEntry{text: text, expiresAt: time.Now().Add(m.paneCacheTTL)}
	m.paneMu.Unlock()
	return text, nil
}

// KillSession is idempotent; it invalidates caches and signals onExit subscribers.
func (m *Manager) KillSession(name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	if !ok {
		m.clearCache(name)
		return nil // idempotent: already gone
	}

	s.ptmx.Close()
	if s.cmd.Process != nil {
		// pty.Start makes the child a session/process-group leader, so a
		// CLI that double-forks or execs a wrapper shell leaves orphans
		// behind if we only signal the direct child. Signal the whole
		// group first; fall back to the direct child if that fails (e.g.
		// the process already reaped itself).
		if err := unix.Kill(-s.cmd.Process.Pid, unix.SIGKILL); err != nil {
			s.cmd.Process.Kill()
		}
	}
	s.cmd.Wait()
	s.markExited()
	m.clearCache(name)
	return nil
}

// ListSessions is rate-limited; callers that exceed the refresh interval get
// the cached list.
func (m *Manager) ListSessions() []SessionInfo {
	m.listMu.Lock()
	defer m.listMu.Unlock()

	if time.Since(m.listCachedAt) < m.listMinRefresh && m.listCache != nil {
		return m.listCache
	}

	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	m.listCache = infos
	m.listCachedAt = time.Now()
	return infos
}

// OnData subscribes to a session's output stream.
func (m *Manager) OnData(name string, cb DataHandler) (Unsubscribe, error) {
	s, ok := m.GetSession(name)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.onData(cb), nil
}

// OnExit subscribes to a session's termination.
func (m *Manager) OnExit(name string, cb ExitHandler) (Unsubscribe, error) {
	s, ok := m.GetSession(name)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.onExit(cb), nil
}

// IsChildProcessAlive tests whether the CLI child is still running,
// independent of the PTY's own exit-status reporting (useful for runtimes
// that double-fork or exec a wrapper shell around the real CLI).
func (m *Manager) IsChildProcessAlive(name string) bool {
	s, ok := m.GetSession(name)
	if !ok {
		return false
	}
	pid := s.pid()
	if pid == 0 {
		return false
	}
	proc, err := goPs.FindProcess(pid)
	if err != nil {
		logger.Printf("liveness check for %s (pid %d) failed: %v", name, pid, err)
		return false
	}
	return proc != nil
}

// GetCumulativeOutputBytes returns bytes seen since the last reset or restart.
func (m *Manager) GetCumulativeOutputBytes(name string) (uint64, error) {
	s, ok := m.GetSession(name)
	if !ok {
		return 0, ErrSessionNotFound
	}
	return s.cumulativeOutput(), nil
}

// ResetCumulativeOutput zeroes a session's cumulative byte counter, used by
// the Context Window Monitor after a proactive compaction.
func (m *Manager) ResetCumulativeOutput(name string) error {
	s, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	s.resetCumulativeOutput()
	return nil
}

// DroppedChunks reports how many output chunks were discarded because slow
// subscribers' buffers overflowed, for operators watching fan-out health.
func (m *Manager) DroppedChunks(name string) (uint64, error) {
	s, ok := m.GetSession(name)
	if !ok {
		return 0, ErrSessionNotFound
	}
	return s.droppedChunks(), nil
}

// RaiseControlRequest records an outstanding out-of-band prompt for a
// session. Fails with ErrControlRequestPending while a prior request is
// unresolved, so callers never silently replace a prompt the user has not
// answered yet.
func (m *Manager) RaiseControlRequest(name, id, prompt string) error {
	s, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	return s.raiseControl(id, prompt)
}

// PendingControlRequest returns the session's outstanding control request, if any.
func (m *Manager) PendingControlRequest(name string) (ControlRequest, bool) {
	s, ok := m.GetSession(name)
	if !ok {
		return ControlRequest{}, false
	}
	return s.pendingControl()
}

// ResolveControlRequest clears the session's outstanding control request.
// Fails with ErrNoControlRequest when id does not match the pending one.
func (m *Manager) ResolveControlRequest(name, id string) error {
	s, ok := m.GetSession(name)
	if !ok {
		return ErrSessionNotFound
	}
	return s.resolveControl(id)
}

func (m *Manager) clearCache(name string) {
	m.existsMu.Lock()
	delete(m.existsCh, name)
	m.existsMu.Unlock()

	m.paneMu.Lock()
	for k := range m.paneCh {
		if strings.HasPrefix(k, name+":") {
			delete(m.paneCh, k)
		}
	}
	m.paneMu.Unlock()

	m.listMu.Lock()
	m.listCache = nil
	m.listMu.Unlock()
}

// Shutdown kills every session, used on process exit.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	m.mu.RUnlock()

	for _, n := range names {
		m.KillSession(n)
	}
}
