package stream

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// MJPEGHandler serves the annotated stream as multipart JPEG.
type MJPEGHandler struct {
	hub *Hub
}

// NewMJPEGHandler creates the /video.mjpeg handler.
func NewMJPEGHandler(hub *Hub) *MJPEGHandler {
	return &MJPEGHandler{hub: hub}
}

func (h *MJPEGHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, err := h.hub.addMJPEG()
	if err != nil {
		http.Error(w, "Stream closed", http.StatusServiceUnavailable)
		return
	}
	defer h.hub.removeMJPEG(ch)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().Str("component", "stream").Str("remote", r.RemoteAddr).Msg("mjpeg client connected")

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}

// SnapshotHandler serves the latest annotated frame as a single JPEG.
type SnapshotHandler struct {
	hub *Hub
}

// NewSnapshotHandler creates the /snapshot.jpg handler.
func NewSnapshotHandler(hub *Hub) *SnapshotHandler {
	return &SnapshotHandler{hub: hub}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.hub.Latest()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}
