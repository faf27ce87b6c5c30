package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collect subscribes a recording handler and returns the sink it appends to.
func collect(b *Bus, entryID string, kind Kind) (*sync.Mutex, *[]Event) {
	var mu sync.Mutex
	var got []Event
	b.Subscribe(entryID, kind, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	return &mu, &got
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.Close(ctx)
}

func TestBusRoutesByEntryAndKind(t *testing.T) {
	b := NewWithConfig(2, 16)
	mu, got := collect(b, "entry-1", KindEntityAdded)

	b.Publish(Event{Kind: KindEntityAdded, EntryID: "entry-1", Added: &EntityAdded{UniqueID: "srv:1"}})
	b.Publish(Event{Kind: KindEntityAdded, EntryID: "entry-2", Added: &EntityAdded{UniqueID: "srv:2"}})
	b.Publish(Event{Kind: KindEntityRemoved, EntryID: "entry-1", Removed: &EntityRemoved{UniqueID: "srv:1"}})

	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*got))
	}
	e := (*got)[0]
	if e.EntryID != "entry-1" || e.Kind != KindEntityAdded {
		t.Errorf("unexpected event routed: kind=%s entry=%s", e.Kind, e.EntryID)
	}
	if e.Added == nil || e.Added.UniqueID != "srv:1" {
		t.Errorf("payload not carried: %+v", e.Added)
	}
}

func TestBusWildcardReceivesAllEntries(t *testing.T) {
	b := NewWithConfig(2, 16)
	mu, got := collect(b, SubscribeAll, KindEntityState)

	b.Publish(Event{Kind: KindEntityState, EntryID: "entry-1", State: &EntityState{UniqueID: "a:1", Revision: 1}})
	b.Publish(Event{Kind: KindEntityState, EntryID: "entry-2", State: &EntityState{UniqueID: "b:2", Revision: 7}})
	b.Publish(Event{Kind: KindReauthRequired, EntryID: "entry-1", Reauth: &ReauthRequired{Reason: "token rejected"}})

	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*got))
	}
	for _, e := range *got {
		if e.Kind != KindEntityState {
			t.Errorf("wildcard received wrong kind: %s", e.Kind)
		}
	}
}

func TestBusExactAndWildcardBothFire(t *testing.T) {
	b := NewWithConfig(2, 16)
	exactMu, exact := collect(b, "entry-1", KindRosterUpdated)
	wildMu, wild := collect(b, SubscribeAll, KindRosterUpdated)

	b.Publish(Event{Kind: KindRosterUpdated, EntryID: "entry-1", Roster: &RosterUpdated{}})

	drain(t, b)

	exactMu.Lock()
	if len(*exact) != 1 {
		t.Errorf("exact subscriber: expected 1 event, got %d", len(*exact))
	}
	exactMu.Unlock()

	wildMu.Lock()
	if len(*wild) != 1 {
		t.Errorf("wildcard subscriber: expected 1 event, got %d", len(*wild))
	}
	wildMu.Unlock()
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewWithConfig(2, 16)
	mu, got := collect(b, "entry-1", KindEntityAdded)

	b.Unsubscribe("entry-1")
	b.Publish(Event{Kind: KindEntityAdded, EntryID: "entry-1", Added: &EntityAdded{UniqueID: "srv:1"}})

	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", len(*got))
	}
}

func TestBusPublishAfterCloseDoesNotPanic(t *testing.T) {
	b := NewWithConfig(1, 1)
	b.Subscribe("entry-1", KindEntityAdded, func(Event) {})
	drain(t, b)

	// Must be a no-op, not a send on a closed channel.
	b.Publish(Event{Kind: KindEntityAdded, EntryID: "entry-1", Added: &EntityAdded{UniqueID: "srv:1"}})
}

func TestBusHandlerPanicDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 16)
	b.Subscribe("entry-1", KindEntityAdded, func(Event) { panic("boom") })
	mu, got := collect(b, "entry-1", KindEntityRemoved)

	b.Publish(Event{Kind: KindEntityAdded, EntryID: "entry-1", Added: &EntityAdded{UniqueID: "srv:1"}})
	b.Publish(Event{Kind: KindEntityRemoved, EntryID: "entry-1", Removed: &EntityRemoved{UniqueID: "srv:1"}})

	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Errorf("worker should survive handler panic, got %d follow-up events", len(*got))
	}
}
