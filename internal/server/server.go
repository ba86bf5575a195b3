package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/logging"
)

// OwnerHeader carries the authenticated owner id. Authentication itself
// happens in front of this server.
const OwnerHeader = "X-Owner-ID"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 10 << 20

// Server is the tether HTTP API server.
type Server struct {
	svc     *engine.Service
	logger  *slog.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over svc.
func New(svc *engine.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		svc:     svc,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(requireOwner)

			r.Route("/memories", func(r chi.Router) {
				r.Post("/", s.handleStore)
				r.Get("/", s.handleList)
				r.Post("/search", s.handleSearch)
				r.Post("/bulk", s.handleBulkStore)
				r.Patch("/bulk", s.handleBulkUpdate)
				r.Delete("/bulk", s.handleBulkDelete)
				r.Delete("/cleanup", s.handleCleanup)
				r.Post("/embed", s.handleEmbedMissing)
				r.Get("/{id}", s.handleGet)
				r.Patch("/{id}", s.handleUpdate)
				r.Delete("/{id}", s.handleDelete)
			})

			r.Get("/preferences", s.handleGetPreferences)
			r.Put("/preferences", s.handlePutPreferences)
		})
	})

	s.router = r
}

// requestLogger puts a logger tagged with the request id into the request context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("request_id", middleware.GetReqID(r.Context()))
		if owner := r.Header.Get(OwnerHeader); owner != "" {
			logger = logger.With("owner", owner)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(logging.With(r.Context(), logger)))

		logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error: "missing " + OwnerHeader + " header",
				Code:  "unauthorized",
			})
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.svc.Ping(r.Context()) == nil

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
	})
}
