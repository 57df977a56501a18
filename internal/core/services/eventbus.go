package services

import (
	"log/slog"
	"sync"
)

// EventType names what a bus event carries. Agent runs publish the stream
// event kinds; the trace collector publishes trace_* lifecycle events.
type EventType string

// Event is a serialized agent event addressed to one conversation.
// Data holds the JSON payload that goes on the wire unchanged.
type Event struct {
	ConversationID string
	Type           EventType
	Data           string
	Timestamp      int64
}

// EventBus fans agent events out to live subscribers, keyed by conversation.
// Publishing never blocks: a slow subscriber loses events rather than
// stalling the run that produced them.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events for one conversation and a
// function that removes the subscription and closes the channel.
func (b *EventBus) Subscribe(conversationID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100)
	b.subs[conversationID] = append(b.subs[conversationID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[conversationID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[conversationID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[conversationID]) == 0 {
			delete(b.subs, conversationID)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the conversation.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.ConversationID]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event",
				"conversation_id", e.ConversationID, "type", e.Type)
		}
	}
}
