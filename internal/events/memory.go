// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var logger = log.New(os.Stderr, "[events] ", log.LstdFlags)

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSubscriptionNotFound is returned when unsubscribing with an invalid ID.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// MemoryBusConfig configures the in-memory event bus.
type MemoryBusConfig struct {
	HistoryMaxEvents int
	HistoryMaxAge    time.Duration
}

// busSubscriber is one registered handler. Synchronous subscribers run
// inline on the publisher's goroutine; asynchronous ones drain a bounded
// channel on their own goroutine and shed load by dropping when full.
type busSubscriber struct {
	filter  topicFilter
	handler EventHandler
	ch      chan Event    // nil for synchronous subscribers
	stop    chan struct{} // nil for synchronous subscribers
}

// MemoryEventBus is the in-process EventBus implementation. One instance
// carries every cross-component notification in the runtime; history is
// bounded by count and age through the eventLog, pruned inline rather than
// by a background task.
type MemoryEventBus struct {
	mu   sync.RWMutex
	subs map[SubscriptionID]*busSubscriber

	log    *eventLog
	closed atomic.Bool
	seq    atomic.Uint64
	wg     sync.WaitGroup

	sessionMu      sync.Mutex
	defaultSession string
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(cfg MemoryBusConfig) *MemoryEventBus {
	return &MemoryEventBus{
		subs: make(map[SubscriptionID]*busSubscriber),
		log:  newEventLog(cfg.HistoryMaxEvents, cfg.HistoryMaxAge),
	}
}

// SetDefaultSession sets the session name stamped onto events that don't
// carry one.
func (bus *MemoryEventBus) SetDefaultSession(sessionName string) {
	bus.sessionMu.Lock()
	bus.defaultSession = sessionName
	bus.sessionMu.Unlock()
}

// Publish stamps and records the event, then delivers it to every matching
// subscriber. A panicking synchronous handler is logged and skipped, never
// propagated to the publisher.
func (bus *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	if bus.closed.Load() {
		return ErrBusClosed
	}

	if event.ID == "" {
		event.ID = "evt-" + strconv.FormatUint(bus.seq.Add(1), 10)
	}
	if event.Version == "" {
		event.Version = "1.0"
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.SessionName == "" {
		bus.sessionMu.Lock()
		event.SessionName = bus.defaultSession
		bus.sessionMu.Unlock()
	}

	bus.log.append(event)

	bus.mu.RLock()
	matched := make([]*busSubscriber, 0, len(bus.subs))
	for _, sub := range bus.subs {
		if sub.filter.matches(event.Type) {
			matched = append(matched, sub)
		}
	}
	bus.mu.RUnlock()

	for _, sub := range matched {
		if sub.ch != nil {
			select {
			case sub.ch <- event:
			default:
				logger.Printf("dropped %s: async subscriber buffer full", event.Type)
			}
			continue
		}
		bus.invoke(ctx, sub.handler, event)
	}
	return nil
}

func (bus *MemoryEventBus) invoke(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("handler panic for %s: %v", event.Type, r)
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a synchronous handler for events matching pattern.
func (bus *MemoryEventBus) Subscribe(pattern string, handler EventHandler) (SubscriptionID, error) {
	return bus.subscribe(pattern, handler, 0)
}

// SubscribeAsync registers a handler fed from a bounded channel drained on
// its own goroutine, so a slow consumer never stalls publishers.
func (bus *MemoryEventBus) SubscribeAsync(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return bus.subscribe(pattern, handler, bufferSize)
}

func (bus *MemoryEventBus) subscribe(pattern string, handler EventHandler, bufferSize int) (SubscriptionID, error) {
	if bus.closed.Load() {
		return "", ErrBusClosed
	}

	filter, err := parseTopicFilter(pattern)
	if err != nil {
		return "", err
	}

	id := SubscriptionID("sub-" + strconv.FormatUint(bus.seq.Add(1), 10))
	sub := &busSubscriber{filter: filter, handler: handler}

	if bufferSize > 0 {
		sub.ch = make(chan Event, bufferSize)
		sub.stop = make(chan struct{})
		bus.wg.Add(1)
		go bus.drain(sub)
	}

	bus.mu.Lock()
	bus.subs[id] = sub
	bus.mu.Unlock()
	return id, nil
}

func (bus *MemoryEventBus) drain(sub *busSubscriber) {
	defer bus.wg.Done()
	for {
		select {
		case <-sub.stop:
			return
		case event := <-sub.ch:
			bus.invoke(context.Background(), sub.handler, event)
		}
	}
}

// Unsubscribe removes a subscription and stops its drain goroutine, if any.
func (bus *MemoryEventBus) Unsubscribe(id SubscriptionID) error {
	bus.mu.Lock()
	sub, ok := bus.subs[id]
	if ok {
		delete(bus.subs, id)
	}
	bus.mu.Unlock()

	if !ok {
		return ErrSubscriptionNotFound
	}
	if sub.stop != nil {
		close(sub.stop)
	}
	return nil
}

// History retrieves retained events matching filter, oldest first.
func (bus *MemoryEventBus) History(filter EventFilter) ([]Event, error) {
	return bus.log.query(filter), nil
}

// Close rejects further publishes, tears down every subscription, and waits
// for async drains to finish. Safe to call more than once.
func (bus *MemoryEventBus) Close() error {
	if bus.closed.Swap(true) {
		return nil
	}

	bus.mu.Lock()
	for _, sub := range bus.subs {
		if sub.stop != nil {
			close(sub.stop)
		}
	}
	bus.subs = make(map[SubscriptionID]*busSubscriber)
	bus.mu.Unlock()

	bus.wg.Wait()
	return nil
}
