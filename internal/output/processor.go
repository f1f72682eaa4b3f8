// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"regexp"
	"sync"
	"time"
)

// Processor turns one session's raw PTY byte chunks into deduplicated
// Markers. It is not safe to share across sessions; the chat router
// (chatqueue.Router.RegisterSession) creates one Processor per session.
type Processor struct {
	sessionName  string
	exitPatterns []*regexp.Regexp

	mu  sync.Mutex
	buf []byte

	dedup *dedupSet
}

// NewProcessor constructs a Processor for one session. exitPatterns comes
// from the runtime abstraction (internal/runtime) and may be nil for
// runtimes whose exit is detected purely by process liveness.
func NewProcessor(sessionName string, exitPatterns []*regexp.Regexp) *Processor {
	return &Processor{
		sessionName:  sessionName,
		exitPatterns: exitPatterns,
		dedup:        newDedupSet(),
	}
}

// Process strips ANSI noise from raw, appends the cleaned text to the
// session's rolling buffer, extracts every complete marker now present, and
// returns the ones that survive deduplication. It is re-framing-invariant:
// feeding the same underlying byte stream split into different chunk sizes
// yields the same marker sequence, modulo orphaned-escape edge cases the
// ANSI stripper already accounts for.
func (p *Processor) Process(raw []byte) []Marker {
	cleaned := StripANSI(raw)

	p.mu.Lock()
	p.buf = append(p.buf, cleaned...)
	text := string(p.buf)

	found, consumedTo := extractMarkers(p.sessionName, text, p.exitPatterns)

	if consumedTo > 0 {
		p.buf = append([]byte(nil), p.buf[consumedTo:]...)
	}
	if over := len(p.buf) - MaxBufferSize; over > 0 {
		p.buf = append([]byte(nil), p.buf[over:]...)
	}
	p.mu.Unlock()

	now := time.Now()
	result := make([]Marker, 0, len(found))
	for _, m := range found {
		if dedupable(m.Kind) {
			hash := GenerateResponseHash(m.ConvID, m.Content)
			if p.dedup.seenBefore(hash) {
				continue
			}
		}
		m.ExtractedAt = now
		result = append(result, m)
	}
	return result
}

// Snapshot returns the current rolling buffer contents, for callers that
// need to inspect recent cleaned output directly rather than via extracted
// markers.
func (p *Processor) Snapshot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.buf)
}

func dedupable(kind MarkerKind) bool {
	switch kind {
	case MarkerChatResponse, MarkerNotify, MarkerSlackNotify:
		return true
	default:
		return false
	}
}
