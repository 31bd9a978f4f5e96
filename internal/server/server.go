package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// CallerHeader carries the authenticated caller id. Authentication itself
// happens in front of this service.
const CallerHeader = "X-User-ID"

// MarketLister enumerates registered markets
type MarketLister interface {
	List() []string
}

// Wallets moves funds into and out of the system on an operator's behalf
type Wallets interface {
	Deposit(user uuid.UUID, token string, amount *uint256.Int) error
	Withdraw(user uuid.UUID, token string, amount *uint256.Int) error
	Balance(user uuid.UUID, token string) *uint256.Int
}

// Deps holds everything the HTTP API serves from. Query, Ingest, Wallets
// and Hub are optional; routes backed by a nil dependency answer 503.
type Deps struct {
	Engine  *core.Engine
	Markets MarketLister
	Dir     *auth.Directory
	Query   *query.QueryService
	Ingest  *ingestion.ManualIngestService
	Wallets Wallets
	Hub     *WSHub
	Metrics *observability.Metrics
	Health  *observability.HealthChecker
}

// Server is the REST and WebSocket front of the engine
type Server struct {
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     zerolog.Logger
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: observability.NewLogger("http"),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.LivenessHandler)
		r.Get("/readyz", s.deps.Health.ReadinessHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// long-lived, so outside the request timeout
		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/markets", s.listMarkets)
			r.Route("/markets/{marketID}", func(r chi.Router) {
				r.Get("/", s.getMarket)
				r.Get("/twap", s.getTwap)
				r.Get("/liquidations", s.getLiquidations)
				r.Get("/positions/{userID}", s.getPosition)
				r.Get("/positions/{userID}/liquidatable", s.getLiquidatable)
				r.Get("/positions/{userID}/funding", s.getFundingHistory)

				r.Post("/open", s.openPosition)
				r.Post("/close", s.closePosition)
				r.Post("/margin/add", s.addMargin)
				r.Post("/margin/remove", s.removeMargin)
				r.Post("/liquidate", s.liquidate)
				r.Post("/funding/poke", s.pokeFunding)
			})

			r.Get("/users/{userID}/positions", s.getUserPositions)
			r.Get("/users/{userID}/balance", s.getBalance)
			r.Get("/users/{userID}/journal", s.getJournal)
			r.Get("/insurance", s.getInsurance)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/markets/{marketID}/pause", s.setPaused)
				r.Put("/markets/{marketID}/risk", s.updateRisk)
				r.Post("/oracle/{asset}/commit", s.injectCommit)
				r.Post("/oracle/{asset}/reveal", s.injectReveal)
				r.Post("/wallets/{userID}/deposit", s.depositWallet)
				r.Post("/wallets/{userID}/withdraw", s.withdrawWallet)
				r.Get("/integrity", s.verifyIntegrity)
			})
		})
	})
	return r
}

// accessLog logs and counts every request under its route pattern
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.QueryRequests.WithLabelValues(route, fmt.Sprint(status)).Inc()
			s.deps.Metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// fail writes err with its mapped status and counts it by category
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	category := string(core.Classify(err))
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(routePattern(r), category).Inc()
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error().Err(err).Str("route", routePattern(r)).Msg("request failed")
	}
	writeError(w, err.Error(), status)
}

// caller resolves the X-User-ID header into an authorization context. It
// writes 401 and returns false when the header is missing or malformed.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (auth.Context, bool) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		writeError(w, "missing "+CallerHeader+" header", http.StatusUnauthorized)
		return auth.Context{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		writeError(w, "invalid "+CallerHeader+" header", http.StatusUnauthorized)
		return auth.Context{}, false
	}
	return s.deps.Dir.ContextFor(id), true
}
