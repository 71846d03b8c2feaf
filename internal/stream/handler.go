package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FramesHandler upgrades viewers of the live frame stream.
type FramesHandler struct {
	hub *Hub
}

// NewFramesHandler creates the /ws/frames handler.
func NewFramesHandler(hub *Hub) *FramesHandler {
	return &FramesHandler{hub: hub}
}

func (h *FramesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "stream").Err(err).Msg("websocket upgrade failed")
		return
	}
	c, err := h.hub.register(conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	go c.writePump()
	go h.readPump(c)
}

// readPump only detects disconnection; viewers do not send anything
// meaningful.
func (h *FramesHandler) readPump(c *client) {
	defer h.hub.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Str("component", "stream").Str("ck", c.ck).Err(err).Msg("viewer read error")
			}
			return
		}
	}
}
