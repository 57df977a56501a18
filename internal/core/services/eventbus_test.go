package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	convID := "conv-123"

	ch, unsub := bus.Subscribe(convID)
	defer unsub()

	event := Event{
		ConversationID: convID,
		Type:           "step",
		Data:           `{"index":1}`,
		Timestamp:      time.Now().UnixMilli(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.ConversationID, received.ConversationID)
		assert.Equal(t, event.Type, received.Type)
		assert.Equal(t, event.Data, received.Data)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_PublishNoSubscriber(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	// Publishing with no subscriber must not panic or block.
	bus.Publish(Event{
		ConversationID: "conv-nobody",
		Type:           "message",
		Data:           "test",
		Timestamp:      time.Now().UnixMilli(),
	})
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	convID := "conv-456"

	ch, unsub := bus.Subscribe(convID)
	unsub()

	bus.Publish(Event{ConversationID: convID, Type: "done", Data: "should not receive"})

	if _, ok := <-ch; ok {
		t.Fatal("received event after unsubscribe")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	convID := "conv-multi"

	ch1, unsub1 := bus.Subscribe(convID)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(convID)
	defer unsub2()

	bus.Publish(Event{ConversationID: convID, Type: "step", Data: "broadcast"})

	timeout := time.After(1 * time.Second)

	got1 := false
	got2 := false

	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}

	assert.True(t, got1)
	assert.True(t, got2)
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	convID := "conv-slow"

	ch, unsub := bus.Subscribe(convID)
	defer unsub()

	// Fill the buffer past capacity without draining. Publish must not block.
	for i := 0; i < 150; i++ {
		bus.Publish(Event{ConversationID: convID, Type: "step", Data: "x"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, 100, drained, "buffer holds at most its capacity")
			return
		}
	}
}
