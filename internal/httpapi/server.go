// Package httpapi exposes a read-only mirror of the session list/log
// operations over HTTP (SPEC_FULL.md Part C's status/health surface),
// built on github.com/go-chi/chi/v5 and github.com/go-chi/cors the way
// the teacher's internal/admin/handlers package wires its own routes.
// It never mutates a session; kill/redo/abort/delete stay the
// operator's job, not this surface's.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/logger"
	"github.com/gc3pie/gc3core/internal/session"
)

// Config configures the status server.
type Config struct {
	// SessionsRoot is the directory under which every session's own
	// directory lives (spec.md §6 "Session on disk").
	SessionsRoot string
	Logger       logger.Logger
	// AllowedOrigins configures CORS; a nil slice allows none, "*"
	// allows every origin.
	AllowedOrigins []string
}

// NewRouter builds the chi.Mux serving the read-only endpoints.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	h := &handlers{cfg: cfg}
	r.Get("/healthz", h.healthz)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.listSessions)
		r.Get("/{name}", h.getSession)
		r.Get("/{name}/log", h.getSessionLog)
	})
	return r
}

type handlers struct {
	cfg Config
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	names, err := session.ListSessionNames(h.cfg.SessionsRoot)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, err := h.openReadOnly(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer s.Store.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	summaries, err := s.List(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *handlers) getSessionLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, err := h.openReadOnly(name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer s.Store.Close()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	text, err := s.Log(ctx)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (h *handlers) openReadOnly(name string) (*session.Session, error) {
	if name == "" {
		return nil, gcerror.Newf(gcerror.KindConfig, "httpapi: missing session name")
	}
	return session.Open(h.cfg.SessionsRoot + "/" + name)
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gcerror.KindOf(err) {
	case gcerror.KindConfig:
		status = http.StatusBadRequest
	case gcerror.KindPersistence:
		status = http.StatusNotFound
	}
	h.cfg.Logger.Warnf("httpapi: request failed: %v", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
