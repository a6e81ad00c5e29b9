package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversEventsInOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	bus.Publish(SessionCreated, "s-1", map[string]string{"title": "Hello"})
	bus.Publish(MessageAppended, "s-1", nil)

	first := receive(t, events)
	assert.Equal(t, SessionCreated, first.Type)
	assert.Equal(t, "s-1", first.SessionID)
	var data map[string]string
	require.NoError(t, json.Unmarshal(first.Data, &data))
	assert.Equal(t, "Hello", data["title"])

	second := receive(t, events)
	assert.Equal(t, MessageAppended, second.Type)
	assert.Empty(t, second.Data)
}

func TestPublishWithoutSubscribersDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	done := make(chan struct{})
	go func() {
		bus.Publish(Redirect, "", map[string]string{"to": "/login"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked without subscribers")
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}
