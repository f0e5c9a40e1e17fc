package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/runner"
)

const (
	eventBuffer = 64
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API key gates the route
	},
}

// handleEvents streams run lifecycle events as JSON text frames. An optional
// run query parameter restricts the feed to one run.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, runner.KindNotFound, "event feed is disabled")
		return
	}
	only := r.URL.Query().Get("run")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.events.Subscribe(eventBuffer)
	defer unsubscribe()

	// The client never sends anything meaningful; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if only != "" && ev.RunID != only {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debugf("websocket write error: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
