// Package stream fans processed frames out to live viewers over websocket
// and MJPEG. Sends to viewers never block the processing thread.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"strandcam/internal/metrics"
)

const clientQueue = 5

// ErrHubClosed is returned when a viewer connects after Run has returned.
var ErrHubClosed = errors.New("stream hub closed")

type client struct {
	conn *websocket.Conn
	ck   string
	send chan []byte
}

// Hub owns the set of connected viewers.
type Hub struct {
	name    string
	quality int
	metrics *metrics.Collector

	mu      sync.RWMutex
	clients map[*client]struct{}
	mjpeg   map[chan []byte]struct{}
	latest  []byte
	closed  bool
}

// NewHub creates a hub. name is reported to viewers in every message.
func NewHub(name string, quality int, m *metrics.Collector) *Hub {
	if quality <= 0 {
		quality = 85
	}
	return &Hub{
		name:    name,
		quality: quality,
		metrics: m,
		clients: make(map[*client]struct{}),
		mjpeg:   make(map[chan []byte]struct{}),
	}
}

func (h *Hub) register(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, ck: uuid.NewString(), send: make(chan []byte, clientQueue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.clients[c] = struct{}{}
	n := len(h.clients) + len(h.mjpeg)
	h.mu.Unlock()
	h.setClientGauge(n)
	log.Info().Str("component", "stream").Str("ck", c.ck).Int("clients", n).Msg("viewer connected")
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients) + len(h.mjpeg)
	h.mu.Unlock()
	h.setClientGauge(n)
	log.Info().Str("component", "stream").Str("ck", c.ck).Msg("viewer disconnected")
}

func (h *Hub) addMJPEG() (chan []byte, error) {
	ch := make(chan []byte, clientQueue)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.mjpeg[ch] = struct{}{}
	n := len(h.clients) + len(h.mjpeg)
	h.mu.Unlock()
	h.setClientGauge(n)
	return ch, nil
}

func (h *Hub) removeMJPEG(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.mjpeg[ch]; ok {
		delete(h.mjpeg, ch)
		close(ch)
	}
	n := len(h.clients) + len(h.mjpeg)
	h.mu.Unlock()
	h.setClientGauge(n)
}

func (h *Hub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

// ClientCount returns the number of websocket and MJPEG viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) + len(h.mjpeg)
}

// Latest returns the most recent encoded frame, or nil.
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Run consumes the firehose until ctx is cancelled or in is closed.
func (h *Hub) Run(ctx context.Context, in <-chan AnnotatedFrame) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case af, ok := <-in:
			if !ok {
				return nil
			}
			h.Publish(af)
		}
	}
}

// Publish renders af once and queues it for every viewer. A viewer whose
// queue is full misses the frame.
func (h *Hub) Publish(af AnnotatedFrame) {
	if af.Frame == nil {
		return
	}

	img, err := af.Frame.Image()
	if err != nil {
		log.Warn().Str("component", "stream").Err(err).Uint64("fno", af.Frame.Fno).Msg("cannot render frame")
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, drawOverlay(img, af), &jpeg.Options{Quality: h.quality}); err != nil {
		log.Warn().Str("component", "stream").Err(err).Msg("cannot encode frame")
		return
	}
	data := buf.Bytes()

	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.mjpeg {
		select {
		case ch <- data:
		default:
		}
	}
	for c := range h.clients {
		msg, err := json.Marshal(NewToClient(af, data, c.ck, h.name))
		if err != nil {
			log.Warn().Str("component", "stream").Err(err).Msg("cannot marshal viewer message")
			return
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	for ch := range h.mjpeg {
		close(ch)
		delete(h.mjpeg, ch)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
