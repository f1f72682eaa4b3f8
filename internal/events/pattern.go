// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"errors"
	"strings"
)

// ErrEmptyPattern is returned when subscribing with an empty pattern.
var ErrEmptyPattern = errors.New("empty subscription pattern")

// topicFilter is one subscription's parsed pattern. The grammar is small:
// "*" matches every type, "agent.*" matches by dotted prefix, "*.warning"
// by dotted suffix, and anything else must match exactly. Parsing happens
// once at Subscribe time; matching is a couple of string compares on the
// publish path.
type topicFilter struct {
	all    bool
	prefix string // non-empty when the pattern ended in ".*"
	suffix string // non-empty when the pattern began with "*."
	exact  string
}

func parseTopicFilter(pattern string) (topicFilter, error) {
	switch {
	case pattern == "":
		return topicFilter{}, ErrEmptyPattern
	case pattern == "*":
		return topicFilter{all: true}, nil
	case strings.HasSuffix(pattern, ".*"):
		return topicFilter{prefix: strings.TrimSuffix(pattern, ".*") + "."}, nil
	case strings.HasPrefix(pattern, "*."):
		return topicFilter{suffix: "." + strings.TrimPrefix(pattern, "*.")}, nil
	default:
		return topicFilter{exact: pattern}, nil
	}
}

func (f topicFilter) matches(eventType string) bool {
	if eventType == "" {
		return false
	}
	switch {
	case f.all:
		return true
	case f.prefix != "":
		return strings.HasPrefix(eventType, f.prefix)
	case f.suffix != "":
		return strings.HasSuffix(eventType, f.suffix)
	default:
		return eventType == f.exact
	}
}

// MatchesType reports whether eventType matches pattern under the
// subscription grammar above. History filters use it so a query's Types
// list accepts the same wildcards Subscribe does.
func MatchesType(eventType, pattern string) bool {
	f, err := parseTopicFilter(pattern)
	if err != nil {
		return false
	}
	return f.matches(eventType)
}
