// Package events provides a publish/subscribe bus for operational
// events. Turn processing, outbound delivery and the transport bridges
// publish; the ops API streams events to websocket subscribers. Publish
// on a nil *Bus is a no-op, so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTurn identifies events from the per-message turn pipeline.
	SourceTurn = "turn"
	// SourceOutbound identifies events from the outbound message manager.
	SourceOutbound = "outbound"
	// SourceMQTT identifies events from the MQTT bridge.
	SourceMQTT = "mqtt"
	// SourceConnwatch identifies events from backend health watchers.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals an inbound message entering a turn.
	// Data: turn_id, stream_id, sender, text_len.
	KindMessageReceived = "message_received"
	// KindTurnSuppressed signals a turn that ended without replying.
	// Data: turn_id, stream_id, outcome, probability (declined only).
	KindTurnSuppressed = "turn_suppressed"
	// KindThinkingCreated signals a thinking placeholder was inserted.
	// Data: turn_id, stream_id, thinking_id.
	KindThinkingCreated = "thinking_created"
	// KindReplyDispatched signals a message set replaced its placeholder.
	// Data: turn_id, stream_id, thinking_id, segments.
	KindReplyDispatched = "reply_dispatched"
	// KindTurnAborted signals a turn that gave up after creating a
	// placeholder. Data: turn_id, stream_id, thinking_id, outcome.
	KindTurnAborted = "turn_aborted"
	// KindReactionQueued signals an emoji reaction was queued.
	// Data: turn_id, stream_id, description.
	KindReactionQueued = "reaction_queued"

	// KindThinkingExpired signals a stale placeholder was evicted.
	// Data: stream_id, thinking_id, age_ms.
	KindThinkingExpired = "thinking_expired"
	// KindMessageDelivered signals an outbound segment reached the
	// transport. Data: stream_id, message_id, head, emoji, ok.
	KindMessageDelivered = "message_delivered"

	// KindConnected signals the MQTT bridge (re)connected.
	// Data: broker.
	KindConnected = "connected"

	// KindServiceReady signals a watched backend became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched backend stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. A zero Timestamp is
// filled with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks. A
// nil Bus returns a nil channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
