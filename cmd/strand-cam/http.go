package main

import (
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"strandcam/internal/config"
	"strandcam/internal/control"
	"strandcam/internal/lifecycle"
)

// handleHTTPServer configures and starts the control-plane HTTP server. A
// listener failure requests a global quit. The caller registers
// srv.Shutdown with the coordinator.
func handleHTTPServer(cfg config.HTTPConfig, s *control.Server, q lifecycle.Quitter) *http.Server {
	// Setup goa log adapter on top of zerolog.
	var (
		adapter middleware.Logger
	)
	{
		zl := log.Logger.With().Str("component", "http").Logger()
		adapter = middleware.NewLogger(stdlog.New(zl, "", 0))
	}

	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	control.Mount(mux, s)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the endpoints.
	var handler http.Handler = mux
	{
		if cfg.Debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range s.Mounts {
		log.Info().Str("component", "http").Msgf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	go func() {
		log.Info().Str("component", "http").Str("addr", cfg.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("component", "http").Err(err).Msg("HTTP server failed")
			q.Quit(lifecycle.Shutdown{Cause: lifecycle.CauseError, Thread: "http", Err: err})
		}
	}()
	return srv
}
