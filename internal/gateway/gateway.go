// Package gateway is the HTTP edge of swarmhost: a virtual-host router
// serving archive content by Host header, plus the JSON management API on
// the platform apex.
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/swarmhost/swarmhost/internal/auth"
	"github.com/swarmhost/swarmhost/internal/host"
	"github.com/swarmhost/swarmhost/internal/store"
)

// Options configures optional gateway surfaces.
type Options struct {
	RegistrationOpen bool
	Tracker          http.Handler // mounted at /tracker when non-nil
	Metrics          http.Handler // mounted at /metrics when non-nil
}

// Server routes requests either to hosted archive content or to the
// management API, depending on what the Host header resolves to. All
// archive-affecting decisions live in the manager; the gateway only
// translates HTTP.
type Server struct {
	st       *store.Store
	mgr      *host.Manager
	cache    *host.ArchiveCache
	auth     *auth.Service
	resolver *host.DomainResolver
	opts     Options
	api      http.Handler
}

// NewServer wires the gateway.
func NewServer(st *store.Store, mgr *host.Manager, cache *host.ArchiveCache, authSvc *auth.Service, resolver *host.DomainResolver, opts Options) *Server {
	s := &Server{
		st:       st,
		mgr:      mgr,
		cache:    cache,
		auth:     authSvc,
		resolver: resolver,
		opts:     opts,
	}
	s.api = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.Tracker != nil {
		r.Handle("/tracker", s.opts.Tracker)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.withAuth)
			r.Get("/quota", s.handleQuota)
			r.Get("/archives", s.handleListArchives)
			r.Post("/archives", s.handleAddArchive)
			r.Get("/archives/{key}", s.handleArchiveInfo)
			r.Delete("/archives/{key}", s.handleRemoveArchive)
			r.Get("/archives/{key}/export", s.handleExportArchive)
		})
	})

	return r
}

// ServeHTTP dispatches by Host header: the apex gets the API, resolvable
// subdomains get their archive content, everything else is refused.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := s.resolver.Resolve(r.Context(), r.Host)
	if err != nil {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}
	if res.User == nil {
		s.api.ServeHTTP(w, r)
		return
	}
	s.serveSite(w, r, res)
}

// requestLogger logs one line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
