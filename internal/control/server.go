// Package control exposes the control plane: an HTTP API mounted on the
// goa muxer and an optional MQTT bridge. Both feed the dispatcher's
// command queue.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"strandcam/internal/auth"
	"strandcam/internal/database"
	"strandcam/internal/dispatcher"
	"strandcam/internal/metrics"
	authmw "strandcam/internal/middleware"
	"strandcam/internal/store"
	"strandcam/internal/stream"
	"strandcam/internal/version"
)

const maxCommandBytes = 1 << 20

// ErrQuitting is returned for commands arriving after shutdown began.
var ErrQuitting = errors.New("shutting down")

// Recordings lists recording history.
type Recordings interface {
	ListRecordings(limit int) ([]*database.RecordingRecord, error)
}

// Options wires a Server. Hub, Metrics and Recordings are optional.
type Options struct {
	Shared     *store.Shared
	Commands   chan<- dispatcher.ControlCommand
	Auth       *auth.Authenticator
	Hub        *stream.Hub
	Metrics    *metrics.Collector
	Recordings Recordings
	// Quitting is closed once shutdown has begun.
	Quitting <-chan struct{}
	// SendTimeout bounds how long a request waits for the command queue.
	SendTimeout time.Duration
}

// MountPoint describes one route.
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// Server implements the control-plane HTTP endpoints.
type Server struct {
	Mounts []*MountPoint

	opts    Options
	handler map[string]http.Handler
}

// New creates the server. Call Mount to attach it to a muxer.
func New(opts Options) *Server {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	s := &Server{opts: opts, handler: make(map[string]http.Handler)}

	protect := func(h http.Handler) http.Handler { return h }
	if opts.Auth != nil {
		protect = authmw.AuthMiddleware(opts.Auth)
	}

	s.add("Healthz", "GET", "/healthz", http.HandlerFunc(s.healthz))
	s.add("Login", "POST", "/api/login", http.HandlerFunc(s.login))
	s.add("Command", "POST", "/api/command", protect(http.HandlerFunc(s.command)))
	s.add("Commands", "GET", "/api/commands", protect(http.HandlerFunc(s.commands)))
	s.add("State", "GET", "/api/state", protect(http.HandlerFunc(s.state)))
	s.add("Events", "GET", "/ws/events", protect(stream.NewEventsHandler(opts.Shared)))
	if opts.Recordings != nil {
		s.add("Recordings", "GET", "/api/recordings", protect(http.HandlerFunc(s.recordings)))
	}
	if opts.Hub != nil {
		s.add("Frames", "GET", "/ws/frames", protect(stream.NewFramesHandler(opts.Hub)))
		s.add("MJPEG", "GET", "/video.mjpeg", protect(stream.NewMJPEGHandler(opts.Hub)))
		s.add("Snapshot", "GET", "/snapshot.jpg", protect(stream.NewSnapshotHandler(opts.Hub)))
	}
	if opts.Metrics != nil {
		s.add("Metrics", "GET", "/metrics", opts.Metrics.Handler())
	}
	return s
}

func (s *Server) add(method, verb, pattern string, h http.Handler) {
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
	s.handler[method] = h
}

// Mount configures the mux to serve the control endpoints.
func Mount(mux goahttp.Muxer, s *Server) {
	for _, m := range s.Mounts {
		mux.Handle(m.Verb, m.Pattern, s.handler[m.Method].ServeHTTP)
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Warn().Str("component", "control").Err(err).Msg("encode response")
	}
}

func fail(ctx context.Context, w http.ResponseWriter, status int, err error) {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		log.Error().Str("component", "control").Str("request_id", id).Err(err).Msg("request failed")
	}
	encode(ctx, w, status, &ErrorResponse{ID: id, Message: err.Error()})
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status                  string `json:"status"`
	Version                 string `json:"version"`
	DeviceLost              bool   `json:"device_lost"`
	HadFrameProcessingError bool   `json:"had_frame_processing_error"`
}

func (s *Server) quitting() bool {
	if s.opts.Quitting == nil {
		return false
	}
	select {
	case <-s.opts.Quitting:
		return true
	default:
		return false
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Shared.Read()
	res := &HealthResponse{
		Status:                  "ok",
		Version:                 version.Version,
		DeviceLost:              st.DeviceLost,
		HadFrameProcessingError: st.HadFrameProcessingError,
	}
	status := http.StatusOK
	if s.quitting() {
		res.Status = "quitting"
		status = http.StatusServiceUnavailable
	}
	encode(r.Context(), w, status, res)
}

// LoginRequest carries operator credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token.
type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.opts.Auth == nil || !s.opts.Auth.IsEnabled() {
		fail(ctx, w, http.StatusBadRequest, auth.ErrAuthDisabled)
		return
	}
	var req LoginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		fail(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid login body: %w", err))
		return
	}
	token, exp, err := s.opts.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			fail(ctx, w, http.StatusUnauthorized, err)
			return
		}
		fail(ctx, w, http.StatusInternalServerError, err)
		return
	}
	encode(ctx, w, http.StatusOK, &LoginResponse{Token: token, ExpiresAt: exp})
}

// CommandResponse acknowledges a queued command.
type CommandResponse struct {
	Accepted string `json:"accepted"`
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		fail(ctx, w, http.StatusBadRequest, fmt.Errorf("read command: %w", err))
		return
	}
	cmd, err := dispatcher.Decode(body)
	if err != nil {
		fail(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := Submit(ctx, s.opts.Commands, cmd, s.opts.Quitting, s.opts.SendTimeout); err != nil {
		fail(ctx, w, http.StatusServiceUnavailable, err)
		return
	}
	encode(ctx, w, http.StatusAccepted, &CommandResponse{Accepted: dispatcher.Name(cmd)})
}

// Submit queues cmd for the dispatcher, waiting at most timeout.
func Submit(ctx context.Context, out chan<- dispatcher.ControlCommand, cmd dispatcher.ControlCommand, quitting <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-quitting:
		return ErrQuitting
	default:
	}
	select {
	case out <- cmd:
		return nil
	case <-quitting:
		return ErrQuitting
	case <-timer.C:
		return fmt.Errorf("command queue full")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) commands(w http.ResponseWriter, r *http.Request) {
	encode(r.Context(), w, http.StatusOK, dispatcher.Names())
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Shared.Read()
	encode(r.Context(), w, http.StatusOK, &st)
}

func (s *Server) recordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.opts.Recordings.ListRecordings(100)
	if err != nil {
		fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	type recording struct {
		ID        string     `json:"id"`
		Format    string     `json:"format"`
		Path      string     `json:"path"`
		StartedAt time.Time  `json:"started_at"`
		StoppedAt *time.Time `json:"stopped_at,omitempty"`
	}
	out := make([]recording, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recording{ID: rec.ID, Format: rec.Format, Path: rec.Path, StartedAt: rec.StartedAt, StoppedAt: rec.StoppedAt})
	}
	encode(r.Context(), w, http.StatusOK, out)
}
