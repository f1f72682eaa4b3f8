// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
)

const dedupCapacity = 20

var reWhitespaceRun = regexp.MustCompile(`\s+`)

// GenerateResponseHash produces a stable hash over a conversation id and
// content, normalized so that runs of inter-word whitespace and
// leading/trailing trim differences collapse to the same hash. This absorbs
// terminal re-renders that reflow the same marker body differently.
func GenerateResponseHash(convID, content string) string {
	normalized := strings.TrimSpace(reWhitespaceRun.ReplaceAllString(content, " "))
	sum := sha256.Sum256([]byte(convID + "|" + normalized))
	return hex.EncodeToString(sum[:])
}

// dedupSet is a bounded, FIFO-evicting set of recently seen marker hashes,
// used to suppress duplicate deliveries caused by a TUI re-rendering the
// same block.
type dedupSet struct {
	mu    sync.Mutex
	order []string
	seen  map[string]struct{}
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{}, dedupCapacity)}
}

// seenBefore reports whether hash was already recorded, and records it
// (evicting the oldest entry once capacity is exceeded) when it wasn't.
func (d *dedupSet) seenBefore(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[hash]; ok {
		return true
	}

	d.seen[hash] = struct{}{}
	d.order = append(d.order, hash)
	if len(d.order) > dedupCapacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
