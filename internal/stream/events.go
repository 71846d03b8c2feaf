package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"strandcam/internal/store"
)

// StateEvent is pushed to /ws/events subscribers after every committed
// store change.
type StateEvent struct {
	Seq   uint64            `json:"seq"`
	State store.SharedState `json:"state"`
}

// EventsHandler streams store changes to websocket clients.
type EventsHandler struct {
	shared *store.Shared
}

// NewEventsHandler creates the /ws/events handler.
func NewEventsHandler(shared *store.Shared) *EventsHandler {
	return &EventsHandler{shared: shared}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "events").Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	changes, unsubscribe := h.shared.Subscribe(16)
	defer unsubscribe()

	// Initial snapshot so a client does not wait for the next change.
	if err := writeEvent(conn, StateEvent{State: h.shared.Read()}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := writeEvent(conn, StateEvent{Seq: ch.Seq, State: ch.New}); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev StateEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
