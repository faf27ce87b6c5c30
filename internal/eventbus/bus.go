// Package eventbus routes integration signals between per-entry runtimes
// and the services observing them (MQTT renderer, journal, status API).
// Events are tagged variants dispatched through an explicit handler table
// keyed by config entry id and event kind.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// Kind tags the event variants carried on the bus.
type Kind string

const (
	// KindRosterUpdated fires when a server reports a fresh sub-device
	// roster, before any reconciliation has run.
	KindRosterUpdated Kind = "roster_updated"

	// KindEntityAdded fires after a registration is created for a
	// sub-device and its entity is live.
	KindEntityAdded Kind = "entity_added"

	// KindEntityRemoved fires after a registration is torn down because
	// its sub-device vanished from the roster.
	KindEntityRemoved Kind = "entity_removed"

	// KindEntityState fires when an entity's attribute cache changed.
	KindEntityState Kind = "entity_state"

	// KindReauthRequired fires when a server rejects the configured
	// credentials. The entry stops retrying until new credentials arrive.
	KindReauthRequired Kind = "reauth_required"
)

// SubscribeAll is the entry id wildcard: a handler registered under it
// receives its kind from every entry.
const SubscribeAll = "*"

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// RosterUpdated carries the fresh roster snapshot for one entry.
type RosterUpdated struct {
	Snapshot roster.Snapshot
}

// EntityAdded identifies a newly registered entity.
type EntityAdded struct {
	UniqueID string
	Name     string
	Domain   string
}

// EntityRemoved identifies a torn-down registration.
type EntityRemoved struct {
	UniqueID string
}

// EntityState identifies a changed attribute cache. Revision is monotonic
// per entity so consumers can discard stale notifications.
type EntityState struct {
	UniqueID string
	Revision uint64
}

// ReauthRequired carries the credential rejection detail.
type ReauthRequired struct {
	Reason string
}

// Event is one tagged variant. Exactly one payload pointer, the one
// matching Kind, is non-nil.
type Event struct {
	Kind    Kind
	EntryID string

	Roster  *RosterUpdated
	Added   *EntityAdded
	Removed *EntityRemoved
	State   *EntityState
	Reauth  *ReauthRequired
}

// Handler is a function that handles events
type Handler func(Event)

type subKey struct {
	entryID string
	kind    Kind
}

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[subKey][]Handler

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	// Shutdown signaling - closing this channel signals publishers to stop
	// Using a channel in select is race-free (unlike mutex + bool)
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[subKey][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("kind", string(w.event.Kind)).
						Str("entry", w.event.EntryID).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for one event kind from one entry.
// Pass SubscribeAll as entryID to receive the kind from every entry.
func (b *Bus) Subscribe(entryID string, kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey{entryID: entryID, kind: kind}
	b.handlers[key] = append(b.handlers[key], handler)
}

// Unsubscribe removes every handler registered under an entry id, across
// all kinds. Called when the entry is unloaded.
func (b *Bus) Unsubscribe(entryID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.handlers {
		if key.entryID == entryID {
			delete(b.handlers, key)
		}
	}
}

// Publish sends an event to the handlers subscribed to its (entry, kind)
// pair, plus wildcard subscribers of the kind.
// Non-blocking: if the work queue is full or bus is closing, events are dropped.
// Uses channel-based signaling for race-free shutdown detection.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[subKey{entryID: event.EntryID, kind: event.Kind}]...)
	if event.EntryID != SubscribeAll {
		handlers = append(handlers, b.handlers[subKey{entryID: SubscribeAll, kind: event.Kind}]...)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("kind", string(event.Kind)).Msg("Event bus closing, dropping event")
			return
		case b.workQueue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			// Queue full - drop event with warning
			log.Warn().
				Str("kind", string(event.Kind)).
				Str("entry", event.EntryID).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the work queue and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	// Signal publishers to stop sending
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	// Now it's safe to close the work queue - no new sends after closing is signaled
	close(b.workQueue)

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[subKey][]Handler)
}
