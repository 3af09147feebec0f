// Package server exposes the HTTP surface of stampbox: the gateway webhook,
// the merchant test send, stamp recording, campaign lifecycle commands,
// metrics and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/loyalty"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/ratelimit"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	defaultListenAddr     string        = ":8080"
	defaultRequestTimeout time.Duration = time.Second * 30
	healthTimeout         time.Duration = time.Second * 2
)

// Settings holds the server configuration.
type Settings struct {
	ListenAddr     string
	RequestTimeout time.Duration // deadline of every request context
	MetricsPath    string        // served only when Deps.Metrics is set
}

// validateSettings sets defaults where needed.
func validateSettings(s *Settings) {
	if s.ListenAddr == "" {
		s.ListenAddr = defaultListenAddr
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = defaultRequestTimeout
	}
	if s.MetricsPath == "" {
		s.MetricsPath = "/metrics"
	}
}

// Loyalty is the part of the loyalty service behind the card endpoints.
type Loyalty interface {
	AddStamps(ctx context.Context, businessID, customerID uuid.UUID, n int) (loyalty.Result, error)
	Enrolled(ctx context.Context, businessID, customerID uuid.UUID)
	QueueDirectMessage(ctx context.Context, m delivery.DirectMessage) (uuid.UUID, error)
}

var _ Loyalty = (*loyalty.Service)(nil)

// Campaigns is the part of the campaign service behind the lifecycle
// endpoints.
type Campaigns interface {
	Schedule(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	Dispatch(ctx context.Context, id uuid.UUID) (*queue.Job, error)
}

var _ Campaigns = (*delivery.Campaigns)(nil)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the handlers. Metrics and Health are
// optional.
type Deps struct {
	Webhook   http.Handler
	Loyalty   Loyalty
	Campaigns Campaigns
	Limiter   *ratelimit.Limiter
	Metrics   http.Handler
	Health    Pinger
}

// Server owns the router and the HTTP listener.
type Server struct {
	settings Settings
	deps     Deps
	router   chi.Router
	http     *http.Server
	logger   logger.Logger
}

func New(s Settings, d Deps, l logger.Logger) *Server {
	if d.Webhook == nil || d.Loyalty == nil || d.Campaigns == nil || d.Limiter == nil {
		panic("you must provide the webhook handler, the loyalty and campaign services and a rate limiter")
	}
	validateSettings(&s)
	srv := &Server{
		settings: s,
		deps:     d,
		logger:   logger.OrNop(l),
	}
	srv.router = srv.routes()
	srv.http = &http.Server{
		Addr:              s.ListenAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLog)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.settings.RequestTimeout))

	r.Get("/healthz", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, s.settings.MetricsPath, s.deps.Metrics)
	}
	r.Method(http.MethodPost, "/webhooks/messaging", s.deps.Webhook)

	r.Route("/businesses/{businessID}", func(r chi.Router) {
		r.With(ratelimit.Middleware(s.deps.Limiter, func(r *http.Request) string {
			return chi.URLParam(r, "businessID")
		})).Post("/test-messages", s.testMessage)
		r.Post("/customers/{customerID}/stamps", s.addStamps)
		r.Post("/customers/{customerID}/enrollment", s.enrolled)
	})

	r.Route("/campaigns/{campaignID}", func(r chi.Router) {
		r.Post("/schedule", s.scheduleCampaign)
		r.Post("/dispatch", s.dispatchCampaign)
		r.Delete("/", s.deleteCampaign)
	})
	return r
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.settings.ListenAddr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.settings.ListenAddr, err)
	}
	s.logger.Info(fmt.Sprintf("http server listening on %s", ln.Addr()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", err)
		}
	}()
	return nil
}

// Stop stops accepting requests and waits for the active ones until ctx is
// done.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(fmt.Sprintf("%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start), chimw.GetReqID(r.Context())))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Error("health check failed", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
