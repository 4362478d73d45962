package handlers

import (
	"net/http"
	"time"

	"specter/logger"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback only; browser clients connect from the
	// local UI, which sends no meaningful Origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// EventStreamHandler upgrades the connection to a websocket and streams
// broker events as JSON frames until the client disconnects. Each connection
// gets its own subscription; a slow client loses events, never delays the
// proxy.
func EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("EventStreamHandler: websocket upgrade failed: %v", err)
		return
	}

	eventCh, cancel := broker.Subscribe()
	defer cancel()
	defer conn.Close()

	logger.Debug("Event stream client connected: %s (%d subscribers)", r.RemoteAddr, broker.SubscriberCount())

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			logger.Debug("Event stream client disconnected: %s", r.RemoteAddr)
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("Event stream write to %s failed: %v", r.RemoteAddr, err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
