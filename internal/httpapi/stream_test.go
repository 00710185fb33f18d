package httpapi

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openraffle/raffle-engine/internal/events"
)

func dialStream(t *testing.T, httpURL string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/events/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAPI_EventStream(t *testing.T) {
	f := newFixture(t, time.Hour, Config{})
	conn := dialStream(t, f.ts.URL)

	f.enter(t, "alice", testFee)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event events.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if event.Type != events.EventRaffleEntered {
		t.Errorf("Expected %s, got %s", events.EventRaffleEntered, event.Type)
	}
	if event.Metadata["player"] != "alice" {
		t.Errorf("Expected player alice, got %q", event.Metadata["player"])
	}
}

func TestAPI_EventStreamMultipleSubscribers(t *testing.T) {
	f := newFixture(t, time.Hour, Config{})
	first := dialStream(t, f.ts.URL)
	second := dialStream(t, f.ts.URL)

	f.enter(t, "bob", testFee)

	for i, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Subscriber %d ReadJSON failed: %v", i, err)
		}
		if event.Metadata["player"] != "bob" {
			t.Errorf("Subscriber %d got player %q", i, event.Metadata["player"])
		}
	}
}

func TestAPI_EventStreamClosesOnShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour, Config{})

	api := New(Config{Host: "127.0.0.1", Port: 0}, Deps{
		Machine:    f.machine,
		Book:       f.book,
		Store:      f.store,
		Randomness: f.coordinator,
		Events:     f.events,
	})
	if err := api.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	conn := dialStream(t, fmt.Sprintf("http://%s", api.Addr()))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := api.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("Expected the stream to close on shutdown")
	}
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Logf("Stream ended with %v (close frame may race the TCP teardown)", err)
	}
}
