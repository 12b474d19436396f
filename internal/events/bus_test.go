package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// collector records delivered events under a lock so tests can assert on
// order after the bus is closed.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// TestPublishOrderPreserved verifies subscribers observe events in exactly
// the order they were published, across event types.
func TestPublishOrderPreserved(t *testing.T) {
	eb := NewEventBus(zerolog.Nop())
	c := &collector{}
	eb.SubscribeAll(c.record)

	sequence := []EventType{
		EventGroupOpened,
		EventPositionOpened,
		EventTargetHit,
		EventTrailingActivated,
		EventTrailingModified,
		EventStopHit,
		EventGroupClosed,
	}
	for i, et := range sequence {
		eb.Publish(Event{Type: et, Data: map[string]interface{}{"seq": i}})
	}
	eb.Close()

	got := c.snapshot()
	if len(got) != len(sequence) {
		t.Fatalf("delivered %d events, want %d", len(got), len(sequence))
	}
	for i, e := range got {
		if e.Type != sequence[i] {
			t.Errorf("position %d: got %s, want %s", i, e.Type, sequence[i])
		}
	}
}

// TestSubscribeFiltersByType verifies typed subscribers only see their type
// while all-subscribers see everything.
func TestSubscribeFiltersByType(t *testing.T) {
	eb := NewEventBus(zerolog.Nop())
	typed := &collector{}
	all := &collector{}
	eb.Subscribe(EventTargetHit, typed.record)
	eb.SubscribeAll(all.record)

	eb.PublishPositionEvent(EventTargetHit, "g1", 123450101, 1, 50500, "")
	eb.PublishPositionEvent(EventStopHit, "g1", 123450201, 2, 49400, "")
	eb.Close()

	if n := len(typed.snapshot()); n != 1 {
		t.Errorf("typed subscriber saw %d events, want 1", n)
	}
	if n := len(all.snapshot()); n != 2 {
		t.Errorf("all subscriber saw %d events, want 2", n)
	}
}

// TestPublishSetsTimestamp verifies a zero timestamp is filled in.
func TestPublishSetsTimestamp(t *testing.T) {
	eb := NewEventBus(zerolog.Nop())
	c := &collector{}
	eb.SubscribeAll(c.record)

	before := time.Now()
	eb.Publish(Event{Type: EventBotStarted})
	eb.Close()

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].Timestamp.Before(before) {
		t.Errorf("timestamp %v predates publish", got[0].Timestamp)
	}
}

// TestPublishAfterCloseIsNoOp verifies late publishes neither panic nor
// deliver.
func TestPublishAfterCloseIsNoOp(t *testing.T) {
	eb := NewEventBus(zerolog.Nop())
	c := &collector{}
	eb.SubscribeAll(c.record)
	eb.Close()

	eb.Publish(Event{Type: EventError})
	eb.Close() // double close is safe

	if n := len(c.snapshot()); n != 0 {
		t.Errorf("delivered %d events after close, want 0", n)
	}
}

// TestPositionEventPayload verifies the helper carries the fields consumers
// key on.
func TestPositionEventPayload(t *testing.T) {
	eb := NewEventBus(zerolog.Nop())
	c := &collector{}
	eb.Subscribe(EventReconciledClosed, c.record)

	eb.PublishPositionEvent(EventReconciledClosed, "g7", 123450302, 3, 0, "reconciled")
	eb.Close()

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	data := got[0].Data
	if data["group_id"] != "g7" || data["magic"] != int64(123450302) || data["slot"] != 3 {
		t.Errorf("unexpected payload: %+v", data)
	}
	if data["reason"] != "reconciled" {
		t.Errorf("got reason %v, want reconciled", data["reason"])
	}
}
