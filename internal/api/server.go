// Package api exposes the hub over HTTP: the connector endpoints
// (pairing, poll, ack) and the operator endpoints (commands, lifecycle
// actions, op status and streams).
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/autostart"
	"github.com/markus-barta/fleethub/internal/lifecycle"
	"github.com/markus-barta/fleethub/internal/metrics"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/pairing"
	"github.com/markus-barta/fleethub/internal/queue"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/markus-barta/fleethub/internal/stream"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Deps are the components the server routes to.
type Deps struct {
	Store     *store.Store
	Verifier  *auth.Verifier
	Sessions  *auth.Sessions
	Pairing   *pairing.Service
	Queue     *queue.Queue
	Engine    *lifecycle.Engine
	Tracker   *ops.Tracker
	Hub       *stream.Hub
	AutoStart *autostart.Coordinator
}

// Options tune the server.
type Options struct {
	ListenAddr string
	TOTPSecret string // optional second factor for destructive actions

	// Pair attempts allowed per client IP and window.
	PairRateLimit  int
	PairRateWindow time.Duration
}

// HasTOTP returns true if TOTP is configured.
func (o Options) HasTOTP() bool {
	return o.TOTPSecret != ""
}

// Server is the hub HTTP server.
type Server struct {
	Deps
	opts        Options
	log         zerolog.Logger
	pairLimiter *RateLimiter
	router      *chi.Mux
}

// New creates the server and its routes.
func New(log zerolog.Logger, deps Deps, opts Options) *Server {
	if opts.PairRateLimit <= 0 {
		opts.PairRateLimit = 10
	}
	if opts.PairRateWindow <= 0 {
		opts.PairRateWindow = time.Minute
	}
	s := &Server{
		Deps:        deps,
		opts:        opts,
		log:         log.With().Str("component", "api").Logger(),
		pairLimiter: NewRateLimiter(opts.PairRateLimit, opts.PairRateWindow),
	}
	if s.Hub != nil {
		s.Hub.SetAuthorizer(s.authorizeStream)
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	// The pair limiter keys on RemoteAddr; RealIP must stay out.
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Connector routes
		r.Post("/connector/pair", s.handlePair)
		r.Group(func(r chi.Router) {
			r.Use(s.requireConnector)
			r.Get("/connector/next", s.handleNext)
			r.Post("/connector/ack", s.handleAck)
		})

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/connectors/pairing-token", s.handlePairingToken)
			r.Post("/connectors/{connectorID}/revoke", s.handleRevoke)
			r.Get("/connectors/{connectorID}/commands", s.handleListCommands)
			r.Post("/commands", s.handleEnqueue)

			r.Post("/hosts", s.handleCreateHost)
			r.Post("/hosts/{hostID}/start", s.handleHostStart)
			r.Post("/hosts/{hostID}/stop", s.handleHostStop)
			r.Post("/hosts/{hostID}/drain", s.handleHostDrain)
			r.Post("/hosts/{hostID}/deprovision", s.handleHostDeprovision)

			r.Post("/projects", s.handleCreateProject)
			r.Post("/projects/{projectID}/start", s.handleProjectStart)
			r.Post("/projects/{projectID}/stop", s.handleProjectStop)
			r.Post("/projects/{projectID}/move", s.handleProjectMove)
			r.Post("/projects/{projectID}/edited", s.handleProjectEdited)
			r.Post("/projects/{projectID}/backed-up", s.handleProjectBackedUp)

			r.Get("/ops", s.handleListOps)
			r.Get("/ops/stream", s.handleOpStream)
			r.Get("/ops/{opID}", s.handleGetOp)

			r.Get("/events", s.handleEvents)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.ListenAddr).Msg("starting hub server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down hub server")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
