package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Tokens, not origins, authenticate the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEvents upgrades to a websocket and streams the user's call frames
// until either side goes away.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	stream, err := s.attach(r.Context(), userID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	defer stream.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	defer conn.Close()

	s.log.Info("Event stream connected", "user_id", userID, "remote", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only send control frames; reading drives pong handling and
	// notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug("Event stream read error", "user_id", userID, "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.log.Info("Event stream disconnected", "user_id", userID)
			return

		case frame, ok := <-stream.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				s.log.Warn("Failed to write frame", "user_id", userID, "call_id", frame.CallID, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
