package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"raffle-market-platform/shared/events"
)

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	return ws
}

func chatFrame(t *testing.T, body string) []byte {
	t.Helper()
	event, err := events.New(events.TypeChatMessage, map[string]string{"body": body})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	raw, err := event.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}

func TestInboundFrameNotRepublishedWithoutHandler(t *testing.T) {
	hub := NewHub(10, testLogger())
	defer hub.Close()
	h := NewHandler(hub, testLogger(), ConnOptions{}, func(*http.Request) bool { return true })
	srv := httptest.NewServer(h)
	defer srv.Close()

	watcher := &fakeSubscriber{id: "watcher"}
	if err := hub.Register(watcher); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ws := dialTestServer(t, srv)
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, chatFrame(t, "raw client payload")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if watcher.received() != 0 {
		t.Fatalf("inbound frame fanned out %d times with no handler configured", watcher.received())
	}
}

func TestInboundFrameRoutedToConfiguredHandler(t *testing.T) {
	hub := NewHub(10, testLogger())
	defer hub.Close()
	got := make(chan events.Event, 1)
	h := NewHandler(hub, testLogger(), ConnOptions{
		OnEvent: func(_ context.Context, event events.Event) { got <- event },
	}, func(*http.Request) bool { return true })
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dialTestServer(t, srv)
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, chatFrame(t, "hi")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	select {
	case event := <-got:
		if event.Type != events.TypeChatMessage {
			t.Fatalf("handler got type %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("configured handler never invoked")
	}
}
