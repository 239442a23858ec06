// Package api exposes the latest evaluation to observers and accepts the
// traveler's switch commands over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/codes"
	"liquidity-oracle/internal/engine"
	"liquidity-oracle/internal/payout"
)

// Service is the engine surface the API serves.
type Service interface {
	Latest() (*engine.Cycle, bool)
	Evaluate(ctx context.Context, req engine.EvaluateRequest) (*engine.Cycle, error)
	AuditEntries(since uint64, limit int) []audit.Entry
	Arm(ctx context.Context, interval time.Duration) (automation.SwitchState, error)
	CheckIn(ctx context.Context) (automation.SwitchState, error)
	Disarm(ctx context.Context) (automation.SwitchState, error)
	DeadManState() (automation.SwitchState, bool)
	DeadManOptions() automation.DeadManOptions
	GuardianState() automation.WatcherState
	RecordPayout(ctx context.Context, conf payout.Confirmation) (audit.Entry, error)
}

// CodeIssuer issues and redeems offline codes.
type CodeIssuer interface {
	Issue(ctx context.Context, amount decimal.Decimal, currency string, ttl time.Duration) (codes.Code, error)
	Redeem(ctx context.Context, code string) (codes.Code, error)
}

// Options configure the server.
type Options struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the handlers. Codes, Payouts and Metrics
// are optional; their routes answer 501 when absent.
type Deps struct {
	Service Service
	Codes   CodeIssuer
	Payouts payout.Orchestrator
	Metrics http.Handler
	Now     func() time.Time
}

// Server is the observer HTTP server.
type Server struct {
	opts   Options
	deps   Deps
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

// NewServer wires routes and middleware.
func NewServer(opts Options, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.New("api: service required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	s := &Server{
		opts:   opts,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	v1 := api.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/risk", s.risk).Methods(http.MethodGet)
	v1.HandleFunc("/recommendations", s.recommendations).Methods(http.MethodGet)
	v1.HandleFunc("/audit", s.audit).Methods(http.MethodGet)
	v1.HandleFunc("/evaluate", s.evaluate).Methods(http.MethodPost)
	v1.HandleFunc("/deadman", s.deadman).Methods(http.MethodGet)
	v1.HandleFunc("/deadman/arm", s.arm).Methods(http.MethodPost)
	v1.HandleFunc("/deadman/checkin", s.checkIn).Methods(http.MethodPost)
	v1.HandleFunc("/deadman/disarm", s.disarm).Methods(http.MethodPost)
	v1.HandleFunc("/guardian", s.guardian).Methods(http.MethodGet)
	v1.HandleFunc("/payouts", s.initiatePayout).Methods(http.MethodPost)
	v1.HandleFunc("/payouts/confirm", s.confirmPayout).Methods(http.MethodPost)
	v1.HandleFunc("/codes", s.issueCode).Methods(http.MethodPost)
	v1.HandleFunc("/codes/redeem", s.redeemCode).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.opts.Addr).Msg("observer api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("observer api shutting down")
	return s.server.Shutdown(ctx)
}

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, requestID)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		requestID, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
