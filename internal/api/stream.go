package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// newUpgrader accepts the same origins as the CORS layer. Requests without an
// Origin header are not from a browser and pass.
func newUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			return allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		},
	}
}

// handleEventStream tails the engine journal over a websocket. Each message is
// one core.Event as JSON, starting after ?after=.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid after", err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	s.logger.Debug("ws_client_connected", zap.String("remote", r.RemoteAddr), zap.Uint64("after", after))

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, after, done)
}

// readPump discards client frames and notices disconnects.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("ws_read_error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, after uint64, done <-chan struct{}) {
	poll := time.NewTicker(s.poll)
	ping := time.NewTicker(pingPeriod)
	defer func() {
		poll.Stop()
		ping.Stop()
		_ = conn.Close()
	}()

	flush := func() bool {
		for _, ev := range s.events(after) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return false
			}
			after = ev.Seq
		}
		return true
	}
	if !flush() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-poll.C:
			if !flush() {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
