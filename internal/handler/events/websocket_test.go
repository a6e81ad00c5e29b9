package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
)

func dial(t *testing.T, bus *event.Bus) *websocket.Conn {
	t.Helper()
	r := chi.NewRouter()
	NewWebSocketHandler(bus, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketSendsConnectedThenEvents(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	conn := dial(t, bus)

	var hello outgoingMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "connected" {
		t.Fatalf("expected connected, got %q", hello.Type)
	}

	bus.Publish(event.ActiveSessionChanged, "chat-1", map[string]any{"active": true})

	var evt event.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != event.ActiveSessionChanged || evt.SessionID != "chat-1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestWebSocketStopsWhenBusCloses(t *testing.T) {
	bus := event.NewBus(nil)
	conn := dial(t, bus)

	var hello outgoingMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	bus.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close after the bus closed")
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context) (<-chan event.Event, error) {
	return nil, context.Canceled
}

func TestWebSocketClosesWhenSubscribeFails(t *testing.T) {
	r := chi.NewRouter()
	NewWebSocketHandler(failingSubscriber{}, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected closed connection")
	}
}
