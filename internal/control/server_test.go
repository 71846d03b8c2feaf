package control

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"strandcam/internal/auth"
	"strandcam/internal/camera"
	"strandcam/internal/dispatcher"
	"strandcam/internal/metrics"
	"strandcam/internal/store"
	"strandcam/internal/stream"
)

type fixture struct {
	srv      *httptest.Server
	shared   *store.Shared
	commands chan dispatcher.ControlCommand
	quitting chan struct{}
}

func newFixture(t *testing.T, a *auth.Authenticator) *fixture {
	t.Helper()
	f := &fixture{
		shared:   store.New(store.NewSharedState(camera.NewSynthetic(16, 12, 10).Info())),
		commands: make(chan dispatcher.ControlCommand, 4),
		quitting: make(chan struct{}),
	}
	m := metrics.New()
	s := New(Options{
		Shared:      f.shared,
		Commands:    f.commands,
		Auth:        a,
		Hub:         stream.NewHub("cam", 80, m),
		Metrics:     m,
		Quitting:    f.quitting,
		SendTimeout: 50 * time.Millisecond,
	})
	mux := goahttp.NewMuxer()
	Mount(mux, s)
	var handler http.Handler = mux
	handler = httpmdlwr.RequestID()(handler)
	f.srv = httptest.NewServer(handler)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)

	close(f.quitting)
	resp = f.get(t, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCommandQueued(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/api/command", `{"command":"SetGain","value":4}`, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var ack CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, "SetGain", ack.Accepted)

	select {
	case cmd := <-f.commands:
		assert.Equal(t, dispatcher.SetGain{Value: 4}, cmd)
	default:
		t.Fatal("command not queued")
	}
}

func TestCommandRejected(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.post(t, "/api/command", `{"command":"Nope"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e.Message, "unknown command")
	assert.NotEmpty(t, e.ID)

	close(f.quitting)
	resp = f.post(t, "/api/command", `{"command":"DoQuit"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, f.commands)
}

func TestCommandQueueFull(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < cap(f.commands); i++ {
		f.commands <- dispatcher.ClearCheckerboards{}
	}
	resp := f.post(t, "/api/command", `{"command":"ClearCheckerboards"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestState(t *testing.T) {
	f := newFixture(t, nil)
	f.shared.Modify(func(s *store.SharedState) { s.MeasuredFPS = 42 })

	resp := f.get(t, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st store.SharedState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 42.0, st.MeasuredFPS)
	assert.Equal(t, 16, st.ImageWidth)

	resp = f.get(t, "/api/commands", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Contains(t, names, "DoQuit")
}

func TestLoginAndProtectedRoutes(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "op", Password: "pw", Secret: "s", Expiry: time.Hour})
	require.NoError(t, err)
	f := newFixture(t, a)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/state", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.get(t, "/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.get(t, "/metrics", "").StatusCode)

	resp := f.post(t, "/api/login", `{"username":"op","password":"bad"}`, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.post(t, "/api/login", `{"username":"op","password":"pw"}`, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.Token)

	assert.Equal(t, http.StatusOK, f.get(t, "/api/state", login.Token).StatusCode)
	assert.Equal(t, http.StatusAccepted, f.post(t, "/api/command", `{"command":"DeviceReset"}`, login.Token).StatusCode)
}

func TestLoginDisabled(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.post(t, "/api/login", `{"username":"a","password":"b"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotWithoutFrame(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.get(t, "/snapshot.jpg", "").StatusCode)
}
