package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventGroupOpened       EventType = "GROUP_OPENED"
	EventGroupRejected     EventType = "GROUP_REJECTED"
	EventGroupClosed       EventType = "GROUP_CLOSED"
	EventPositionOpened    EventType = "POSITION_OPENED"
	EventTargetHit         EventType = "TARGET_HIT"
	EventStopHit           EventType = "STOP_HIT"
	EventTrailingActivated EventType = "TRAILING_ACTIVATED"
	EventTrailingModified  EventType = "TRAILING_MODIFIED"
	EventTimeoutClosed     EventType = "TIMEOUT_CLOSED"
	EventReconciledClosed  EventType = "RECONCILED_CLOSED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventSignalDropped     EventType = "SIGNAL_DROPPED"
	EventRegimeClassified  EventType = "REGIME_CLASSIFIED"
	EventBotStarted        EventType = "BOT_STARTED"
	EventBotStopped        EventType = "BOT_STOPPED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus delivers events to subscribers through a single dispatcher
// goroutine, so every subscriber observes events in publish order. Position
// lifecycle consumers depend on that ordering: a TARGET_HIT must never be
// seen after the TRAILING_ACTIVATED it caused.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber

	queue  chan Event
	done   chan struct{}
	closed bool
	logger zerolog.Logger
}

// NewEventBus creates a new event bus and starts its dispatcher.
func NewEventBus(logger zerolog.Logger) *EventBus {
	eb := &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		queue:       make(chan Event, 1024),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "event_bus").Logger(),
	}
	go eb.dispatch()
	return eb
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish enqueues an event for ordered delivery. A full queue drops the
// event with a warning rather than stalling the trading path.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return
	}

	select {
	case eb.queue <- event:
	default:
		eb.logger.Warn().Str("event_type", string(event.Type)).Msg("Event queue full, dropping event")
	}
}

// Close stops the dispatcher after draining queued events.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.queue)
	<-eb.done
}

func (eb *EventBus) dispatch() {
	defer close(eb.done)
	for event := range eb.queue {
		eb.mu.RLock()
		subs := append([]Subscriber(nil), eb.subscribers[event.Type]...)
		all := append([]Subscriber(nil), eb.allSubs...)
		eb.mu.RUnlock()

		for _, sub := range subs {
			sub(event)
		}
		for _, sub := range all {
			sub(event)
		}
	}
}

// PublishGroupOpened publishes a group opened event
func (eb *EventBus) PublishGroupOpened(groupID, symbol, side, regimeLabel string, counter int, entryPrice float64) {
	eb.Publish(Event{
		Type: EventGroupOpened,
		Data: map[string]interface{}{
			"group_id":    groupID,
			"symbol":      symbol,
			"side":        side,
			"regime":      regimeLabel,
			"counter":     counter,
			"entry_price": entryPrice,
		},
	})
}

// PublishGroupClosed publishes a group closed event
func (eb *EventBus) PublishGroupClosed(groupID, symbol string) {
	eb.Publish(Event{
		Type: EventGroupClosed,
		Data: map[string]interface{}{
			"group_id": groupID,
			"symbol":   symbol,
		},
	})
}

// PublishPositionEvent publishes a per-position lifecycle event
func (eb *EventBus) PublishPositionEvent(eventType EventType, groupID string, magic int64, slot int, price float64, reason string) {
	data := map[string]interface{}{
		"group_id": groupID,
		"magic":    magic,
		"slot":     slot,
		"price":    price,
	}
	if reason != "" {
		data["reason"] = reason
	}
	eb.Publish(Event{Type: eventType, Data: data})
}

// PublishSignalDropped publishes a signal dropped event
func (eb *EventBus) PublishSignalDropped(symbol, reason string) {
	eb.Publish(Event{
		Type: EventSignalDropped,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
