// Package server wires every HTTP command endpoint of spec.md §6 onto a
// chi router, mirroring the teacher's chi + cors + zerolog middleware
// stack (internal/server/server.go).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/auth"
	"github.com/vaticlabs/vatic/internal/modules/funded"
	"github.com/vaticlabs/vatic/internal/modules/orders"
	"github.com/vaticlabs/vatic/internal/modules/purchases"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/persistence"
	"github.com/vaticlabs/vatic/internal/state"
	"github.com/vaticlabs/vatic/internal/storedb"
)

// Services bundles every module service/repository the HTTP layer calls
// into, handed to New in one shot (mirrors the teacher's di.Container
// pattern, scaled down to this module's size).
type Services struct {
	Auth              *auth.Service
	Tiers             *tiers.Repository
	Purchases         *purchases.Service
	Assessments       *assessments.Service
	AssessmentsRepo   *assessments.Repository
	Orders            *orders.Service
	Funded            *funded.Service
	FundedRepo        *funded.Repository
	Store             *state.Store
	DB                *storedb.DB
	PersistenceWorker *persistence.Worker
	NodeID            string
}

// Server is the core service's HTTP API.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
	svc    Services
}

// New constructs a Server, wiring routes per spec.md §6's endpoint table.
func New(addr string, svc Services, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    log.With().Str("component", "server").Logger(),
		svc:    svc,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the underlying chi.Mux, e.g. for tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error { return s.http.ListenAndServe() }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(correlationID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

type correlationIDKey struct{}

// correlationID propagates X-Correlation-ID or mints one, echoing it on
// every response and making it available to handlers for event headers
// and log lines (spec.md §6: "Every request surfaces a correlation id").
func correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("correlation_id", correlationIDFrom(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/metrics", s.handleMetrics)
	s.router.Get("/health/persistence", s.handlePersistenceHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.With(s.requireAuth).Get("/me", s.handleMe)
	})

	s.router.Get("/tiers", s.handleListTiers)

	s.router.Route("/purchases", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/", s.handleCreatePurchase)
		r.Get("/{id}", s.handleGetPurchase)
	})
	s.router.Post("/webhooks/stripe", s.handleStripeWebhook)

	s.router.Route("/assessments", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleListAssessments)
		r.Get("/{id}", s.handleGetAssessment)
		r.Post("/{id}/start", s.handleAssessmentTransition("start"))
		r.Post("/{id}/pause", s.handleAssessmentTransition("pause"))
		r.Post("/{id}/resume", s.handleAssessmentTransition("resume"))
		r.Post("/{id}/abandon", s.handleAssessmentTransition("abandon"))
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/orders", s.handlePlaceOrder)
		r.Get("/positions", s.handleListPositions)
		r.Post("/positions/{id}/close", s.handleClosePosition)
		r.Get("/trades", s.handleListTrades)
		r.Get("/rules", s.handleGetRules)
	})

	s.router.Route("/funded-accounts", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleListFundedAccounts)
		r.Get("/{id}", s.handleGetFundedAccount)
		r.Post("/{id}/withdraw", s.handleRequestWithdrawal)
	})

	s.router.Route("/admin/withdrawals", func(r chi.Router) {
		r.Use(s.requireAuth, s.requireAdmin)
		r.Get("/pending", s.handlePendingWithdrawals)
		r.Post("/{id}/approve", s.handleApproveWithdrawal)
		r.Post("/{id}/reject", s.handleRejectWithdrawal)
	})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err through apperr's taxonomy to a JSON error body.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := apperr.Status(err)
	if status >= 500 {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

type userContextKey struct{}

func userFrom(ctx context.Context) domain.User {
	u, _ := ctx.Value(userContextKey{}).(domain.User)
	return u
}

// requireAuth resolves the bearer token in Authorization to a user,
// rejecting the request with 401 on failure.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, s.log, apperr.Unauthorized("missing bearer token"))
			return
		}
		user, err := s.svc.Auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin-only routes; requireAuth must run first.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !userFrom(r.Context()).IsAdmin {
			writeError(w, s.log, apperr.Forbidden("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
