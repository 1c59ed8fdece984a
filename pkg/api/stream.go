package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"modem-monitor/pkg/popupbus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxMessageSize = 512
)

// handlePopupStream upgrades to a websocket, sends the current popup state
// and then every show/hide event until the client goes away.
func (s *Server) handlePopupStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "popup stream disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logf("api: popup stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := s.cfg.Bus.Subscribe(ctx, 16)

	go func() {
		defer cancel()
		readControl(conn)
	}()

	initial := popupbus.Event{At: time.Now()}
	if cur := s.currentPopup(); cur.Visible {
		n := cur.Notification
		initial = popupbus.Event{Visible: true, NotificationID: n.ID, Title: n.Title, Message: n.Message, Type: n.Type, At: initial.At}
	}
	if err := writeEvent(conn, initial); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(conn, e); err != nil {
				s.logf("api: popup stream write: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e popupbus.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

// readControl drains the connection so pongs and close frames are handled.
// It returns when the peer disconnects.
func readControl(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
