package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcast_NilHubIsNoop(t *testing.T) {
	var h *Hub
	h.Broadcast(Event{Type: TradeExecuted})
}

func TestHub_DeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan Event, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if json.Unmarshal(data, &ev) == nil {
			got <- ev
		}
	}()

	// Registration is asynchronous; keep broadcasting until the client hears one.
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Type != SpreadOpened || ev.SpreadID != "s-1" {
				t.Errorf("unexpected event %+v", ev)
			}
			return
		case <-tick.C:
			hub.Broadcast(Event{Type: SpreadOpened, SpreadID: "s-1"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}
