// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runtime holds the per-CLI-runtime abstraction (claude-code,
// gemini-cli, codex-cli, ...): launch command, native compact command,
// ready/exit detection patterns, and the key encoding used when typing into
// a PTY.
package runtime

import (
	"fmt"
	"regexp"

	"github.com/wingedpig/agentrund/internal/config"
)

// Key encodings used when writing control characters into a PTY.
const (
	KeyEnter  = "\r"
	KeyEscape = "\x1b"
	KeyCtrlC  = "\x03"
)

// Runtime is the compiled, ready-to-use form of a config.RuntimeConfig.
type Runtime struct {
	Type           string
	LaunchCommand  []string
	CompactCommand string
	ReadyPatterns  []*regexp.Regexp
	ExitPatterns   []*regexp.Regexp
	ResumeFlag     string
}

// HasCompact reports whether this runtime supports a native compact/compress command.
func (r *Runtime) HasCompact() bool {
	return r.CompactCommand != ""
}

// MatchesReady reports whether cleaned output contains a "ready" signal.
func (r *Runtime) MatchesReady(text string) bool {
	for _, p := range r.ReadyPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// MatchesExit reports whether cleaned output contains a runtime-specific exit signal.
func (r *Runtime) MatchesExit(text string) bool {
	for _, p := range r.ExitPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// LaunchArgs builds the full exec argv for starting this runtime, optionally
// resuming a prior conversation id.
func (r *Runtime) LaunchArgs(resumeID string) []string {
	args := append([]string(nil), r.LaunchCommand...)
	if resumeID != "" && r.ResumeFlag != "" {
		args = append(args, r.ResumeFlag, resumeID)
	}
	return args
}

// Table indexes compiled runtimes by type.
type Table struct {
	runtimes map[string]*Runtime
}

// NewTable compiles a runtime config list into a lookup table.
func NewTable(cfgs []config.RuntimeConfig) (*Table, error) {
	t := &Table{runtimes: make(map[string]*Runtime, len(cfgs))}
	for _, c := range cfgs {
		r := &Runtime{
			Type:           c.Type,
			LaunchCommand:  c.LaunchCommand,
			CompactCommand: c.CompactCommand,
			ResumeFlag:     c.ResumeFlag,
		}
		for _, p := range c.ReadyPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("runtime %s: ready pattern %q: %w", c.Type, p, err)
			}
			r.ReadyPatterns = append(r.ReadyPatterns, re)
		}
		for _, p := range c.ExitPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("runtime %s: exit pattern %q: %w", c.Type, p, err)
			}
			r.ExitPatterns = append(r.ExitPatterns, re)
		}
		t.runtimes[c.Type] = r
	}
	return t, nil
}

// Get looks up a runtime by type.
func (t *Table) Get(runtimeType string) (*Runtime, bool) {
	r, ok := t.runtimes[runtimeType]
	return r, ok
}

// ShellPromptPatterns covers common shell prompt shapes used by the Exit
// Monitor to confirm that a CLI's exit left a bare shell behind.
func ShellPromptPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`\$\s*$`),
		regexp.MustCompile(`%\s*$`),
		regexp.MustCompile(`>\s*$`),
		regexp.MustCompile(`#\s*$`),
	}
}
