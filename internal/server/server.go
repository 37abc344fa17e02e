// Package server is the HTTP side of the gateway: the /ws upgrade, the
// optional bootstrap page and a few JSON status endpoints.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webtty/internal/audit"
	"github.com/gluk-w/webtty/internal/auth"
	"github.com/gluk-w/webtty/internal/logging"
	"github.com/gluk-w/webtty/internal/registry"
	"github.com/gluk-w/webtty/internal/router"
	"github.com/gluk-w/webtty/internal/shell"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

//go:embed static/index.html
var indexHTML []byte

// Options configures the HTTP surface.
type Options struct {
	Addr      string
	ServeHTML bool
	// AllowedOrigins are extra Origin host patterns accepted on /ws. Same
	// origin requests are always accepted.
	AllowedOrigins []string
	// MaxFrameSize is the read limit for one inbound frame, in bytes.
	MaxFrameSize int64
}

type Server struct {
	opts    Options
	auth    *auth.Manager
	shells  *shell.Manager
	reg     *registry.Registry
	router  *router.Router
	audit   *audit.Auditor
	http    *http.Server
	closing atomic.Bool
}

// New wires the handlers. aud may be nil.
func New(opts Options, a *auth.Manager, shells *shell.Manager, reg *registry.Registry, rt *router.Router, aud *audit.Auditor) *Server {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = 1 << 20
	}
	s := &Server{
		opts:   opts,
		auth:   a,
		shells: shells,
		reg:    reg,
		router: rt,
		audit:  aud,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	// Request lines go through the standard logger so they reach the log file.
	r.Use(chimw.RequestLogger(&chimw.DefaultLogFormatter{Logger: log.Default(), NoColor: true}))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	if s.opts.ServeHTML {
		r.Get("/", s.handleIndex)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireSession(s.auth))
		r.Get("/connections", s.handleConnections)
		r.Get("/connections/{id}", s.handleConnection)
		r.Get("/audit", s.handleAudit)
		r.Get("/logs", s.handleLogs)
	})
	return r
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Printf("[server] listening on %s (auth=%v, html=%v)", s.opts.Addr, !s.auth.Disabled(), s.opts.ServeHTML)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, tears down every live connection
// and its shell, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	if n := s.reg.ShutdownAll("server shutting down"); n > 0 {
		log.Printf("[server] closed %d connection(s)", n)
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[server] websocket accept from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.opts.MaxFrameSize)

	// The upgrade outlives the request; only the connection's own close ends it.
	ctx := context.WithoutCancel(r.Context())
	s.router.Serve(ctx, conn, r.RemoteAddr, r.URL.Query().Get("token"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(indexHTML)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.closing.Load() {
		status = "shutting_down"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"connections":  s.reg.Count(),
		"shells":       s.shells.Live(),
		"sessions":     s.auth.Count(),
		"auth_enabled": !s.auth.Disabled(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.reg.List(),
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	e, ok := s.reg.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "Audit log is disabled")
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType:    q.Get("event_type"),
		ConnectionID: q.Get("connection_id"),
		Username:     q.Get("username"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since, want RFC3339")
			return
		}
		opts.Since = &since
	}

	records, total, err := s.audit.Query(opts)
	if err != nil {
		log.Printf("[server] audit query: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": records,
		"total":   total,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !logging.Enabled() {
		writeError(w, http.StatusNotFound, "File logging is disabled")
		return
	}
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, logging.MaxTailLines)
		}
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// RequireSession admits requests carrying a valid session token, either as
// a Bearer token or a token query parameter. With auth disabled every
// request is admitted.
func RequireSession(a *auth.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.Disabled() {
				next.ServeHTTP(w, r)
				return
			}
			token := r.URL.Query().Get("token")
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if _, err := a.Validate(token); err != nil {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
