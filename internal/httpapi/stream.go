package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openraffle/raffle-engine/internal/events"
)

const (
	streamQueueSize = 64
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is unauthenticated operator tooling; origins are filtered by
	// the CORS middleware when configured.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventStream pushes every event to the client as a JSON message.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	defer conn.Close()

	queue := make(chan events.Event, streamQueueSize)
	unsubscribe := s.events.Subscribe(func(event events.Event) {
		// Never block the emitter; a slow client just misses events.
		select {
		case queue <- event:
		default:
		}
	})
	defer unsubscribe()

	// The read loop's only job is noticing the peer going away.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingEvery)
	defer pings.Stop()

	for {
		select {
		case <-r.Context().Done():
			deadline := time.Now().Add(streamWriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case <-readerDone:
			return
		case event := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
