// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sync"
	"time"
)

// eventLog is the bus's bounded retention window: at most max entries, none
// older than age. Events arrive through a single appender (the bus's Publish
// path) already stamped with monotonically non-decreasing timestamps, so the
// log never sorts — it only trims from the front. Pruning happens inline on
// append and query; the bus needs no background goroutine to stay within
// bounds.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	max    int
	age    time.Duration
}

func newEventLog(maxEvents int, maxAge time.Duration) *eventLog {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &eventLog{max: maxEvents, age: maxAge}
}

func (l *eventLog) append(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	l.pruneLocked(time.Now())
}

// pruneLocked drops aged-out entries from the front, then enforces the count
// bound. Callers must hold l.mu.
func (l *eventLog) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.age)
	firstLive := 0
	for firstLive < len(l.events) && !l.events[firstLive].Timestamp.After(cutoff) {
		firstLive++
	}
	if over := len(l.events) - firstLive - l.max; over > 0 {
		firstLive += over
	}
	if firstLive > 0 {
		l.events = append([]Event(nil), l.events[firstLive:]...)
	}
}

// query returns retained events matching filter, oldest first. A Limit keeps
// the newest entries, matching what a catching-up subscriber wants to replay.
func (l *eventLog) query(filter EventFilter) []Event {
	l.mu.Lock()
	l.pruneLocked(time.Now())
	snapshot := append([]Event(nil), l.events...)
	l.mu.Unlock()

	result := make([]Event, 0, len(snapshot))
	for _, event := range snapshot {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

func matchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		matched := false
		for _, pattern := range filter.Types {
			if MatchesType(event.Type, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if filter.SessionName != "" && event.SessionName != filter.SessionName {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}
	return true
}
