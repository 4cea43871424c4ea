// Package web provides the HTTP status server for the valve daemon:
// status page, JSON status, recent events, operator reset and metrics.
package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/valved/internal/logic"
	"github.com/sweeney/valved/internal/metrics"
	"github.com/sweeney/valved/internal/status"
)

// EventSource returns recent events, newest first.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]logic.Event, error)
}

// Options wires the server to the rest of the daemon. Events, Reset and
// Metrics are optional.
type Options struct {
	Tracker *status.Tracker
	Events  EventSource
	Reset   func()
	Metrics *metrics.Metrics
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
}

// New creates a Server listening on addr.
func New(addr string, o Options) *Server {
	s := &Server{opts: o}

	r := mux.NewRouter()
	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, o.Metrics.WrapHandler(path, h)).Methods(methods...)
	}
	route("/", s.handleIndex, http.MethodGet)
	route("/index.html", s.handleIndex, http.MethodGet)
	route("/index.json", s.handleJSON, http.MethodGet)
	route("/events", s.handleEvents, http.MethodGet)
	route("/reset", s.handleReset, http.MethodPost)
	if o.Metrics != nil {
		r.Handle("/metrics", o.Metrics.Handler()).Methods(http.MethodGet)
	}

	accessLog := log.With().Str("component", "http").Logger()
	h := handlers.LoggingHandler(accessLog, r)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: h,
	}
	return s
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	var events []logic.Event
	if s.opts.Events != nil {
		var err error
		events, err = s.opts.Events.Recent(r.Context(), 20)
		if err != nil {
			log.Warn().Err(err).Msg("Recent events unavailable for status page")
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap, events)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.opts.Tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event ledger disabled")
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.opts.Events.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Query recent events")
		writeError(w, http.StatusInternalServerError, "query events failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(formatEvents(events))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reset == nil {
		writeError(w, http.StatusNotImplemented, "reset not available")
		return
	}
	if st := s.opts.Tracker.Snapshot().State; st != logic.StateFault {
		writeError(w, http.StatusConflict, "controller is "+string(st)+", reset only applies in FAULT")
		return
	}
	s.opts.Reset()
	log.Info().Str("remote", r.RemoteAddr).Msg("Operator reset requested")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
