// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	bus := NewMemoryEventBus(MemoryBusConfig{HistoryMaxEvents: 100, HistoryMaxAge: time.Minute})
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestBus_SyncSubscriberReceivesMatchingEvents(t *testing.T) {
	bus := testBus(t)

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe("agent.*", func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentActive}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventContextUpdated}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentInactive}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventAgentActive, EventAgentInactive}, got)
}

func TestBus_AsyncSubscriberDrainsOffPublisher(t *testing.T) {
	bus := testBus(t)

	var count atomic.Int64
	done := make(chan struct{}, 8)
	_, err := bus.SubscribeAsync("*", func(_ context.Context, e Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	}, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: EventChatMessage}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("async subscriber never drained")
		}
	}
	assert.Equal(t, int64(3), count.Load())
}

func TestBus_PublishStampsMissingFields(t *testing.T) {
	bus := testBus(t)
	bus.SetDefaultSession("orc-main")

	var got Event
	_, err := bus.Subscribe(EventAgentActive, func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentActive}))

	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "1.0", got.Version)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, "orc-main", got.SessionName)
}

func TestBus_ExplicitSessionNotOverwritten(t *testing.T) {
	bus := testBus(t)
	bus.SetDefaultSession("orc-main")

	var got Event
	_, err := bus.Subscribe("*", func(_ context.Context, e Event) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentError, SessionName: "dev-2"}))
	assert.Equal(t, "dev-2", got.SessionName)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := testBus(t)

	_, err := bus.Subscribe("*", func(_ context.Context, e Event) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	var delivered bool
	_, err = bus.Subscribe("*", func(_ context.Context, e Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventChatMessage}))
	assert.True(t, delivered)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := testBus(t)

	var count atomic.Int64
	id, err := bus.Subscribe("*", func(_ context.Context, e Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventChatMessage}))
	require.NoError(t, bus.Unsubscribe(id))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventChatMessage}))

	assert.Equal(t, int64(1), count.Load())
	require.ErrorIs(t, bus.Unsubscribe(id), ErrSubscriptionNotFound)
}

func TestBus_EmptyPatternRejected(t *testing.T) {
	bus := testBus(t)
	_, err := bus.Subscribe("", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrEmptyPattern)
}

func TestBus_HistoryReplaysThroughFilter(t *testing.T) {
	bus := testBus(t)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentActive, SessionName: "a"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventContextWarning, SessionName: "a"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: EventAgentInactive, SessionName: "b"}))

	all, err := bus.History(EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	agents, err := bus.History(EventFilter{Types: []string{"agent.*"}, SessionName: "a"})
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, EventAgentActive, agents[0].Type)
}

func TestBus_CloseRejectsFurtherUse(t *testing.T) {
	bus := NewMemoryEventBus(MemoryBusConfig{HistoryMaxEvents: 10, HistoryMaxAge: time.Minute})

	_, err := bus.SubscribeAsync("*", func(context.Context, Event) error { return nil }, 4)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // idempotent

	err = bus.Publish(context.Background(), Event{Type: EventChatMessage})
	require.ErrorIs(t, err, ErrBusClosed)

	_, err = bus.Subscribe("*", func(context.Context, Event) error { return nil })
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	bus := testBus(t)

	var count atomic.Int64
	_, err := bus.Subscribe("*", func(_ context.Context, e Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), Event{Type: EventContextUpdated})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), count.Load())
}
