// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stampedEvent(eventType, session string, ts time.Time) Event {
	return Event{
		ID:          eventType + "-" + ts.Format(time.RFC3339Nano),
		Type:        eventType,
		SessionName: session,
		Timestamp:   ts,
	}
}

func TestEventLog_CountBoundTrimsOldest(t *testing.T) {
	l := newEventLog(3, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		l.append(stampedEvent(fmt.Sprintf("e.%d", i), "s", now.Add(time.Duration(i)*time.Millisecond)))
	}

	got := l.query(EventFilter{})
	require.Len(t, got, 3)
	assert.Equal(t, "e.2", got[0].Type)
	assert.Equal(t, "e.4", got[2].Type)
}

func TestEventLog_AgedEntriesPrunedOnQuery(t *testing.T) {
	l := newEventLog(100, 50*time.Millisecond)
	now := time.Now()
	l.append(stampedEvent("old.event", "s", now.Add(-time.Second)))
	l.append(stampedEvent("new.event", "s", now))

	got := l.query(EventFilter{})
	require.Len(t, got, 1)
	assert.Equal(t, "new.event", got[0].Type)
}

func TestEventLog_QueryFilters(t *testing.T) {
	l := newEventLog(100, time.Hour)
	now := time.Now()
	l.append(stampedEvent("agent.active", "orc", now.Add(-3*time.Minute)))
	l.append(stampedEvent("agent.inactive", "dev-1", now.Add(-2*time.Minute)))
	l.append(stampedEvent("context.updated", "orc", now.Add(-time.Minute)))

	byType := l.query(EventFilter{Types: []string{"agent.*"}})
	require.Len(t, byType, 2)

	bySession := l.query(EventFilter{SessionName: "orc"})
	require.Len(t, bySession, 2)
	assert.Equal(t, "agent.active", bySession[0].Type)
	assert.Equal(t, "context.updated", bySession[1].Type)

	since := l.query(EventFilter{Since: now.Add(-90 * time.Second)})
	require.Len(t, since, 1)
	assert.Equal(t, "context.updated", since[0].Type)

	until := l.query(EventFilter{Until: now.Add(-150 * time.Second)})
	require.Len(t, until, 1)
	assert.Equal(t, "agent.active", until[0].Type)
}

func TestEventLog_LimitKeepsNewest(t *testing.T) {
	l := newEventLog(100, time.Hour)
	now := time.Now()
	for i := 0; i < 6; i++ {
		l.append(stampedEvent(fmt.Sprintf("e.%d", i), "s", now.Add(time.Duration(i)*time.Millisecond)))
	}

	got := l.query(EventFilter{Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, "e.4", got[0].Type)
	assert.Equal(t, "e.5", got[1].Type)
}
