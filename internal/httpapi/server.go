// Package httpapi exposes the operator REST surface: entering the raffle,
// inspecting and driving upkeep, funding accounts, browsing settlement
// history and randomness requests, and streaming live events. Every actor
// role the raffle knows (player, keeper, coordinator operator) has an
// endpoint here, so a deployment without the background keeper or
// auto-fulfilling coordinator can still be driven end to end.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/openraffle/raffle-engine/internal/events"
	"github.com/openraffle/raffle-engine/internal/ledger"
	"github.com/openraffle/raffle-engine/internal/metrics"
	"github.com/openraffle/raffle-engine/internal/middleware"
	"github.com/openraffle/raffle-engine/internal/raffle"
	"github.com/openraffle/raffle-engine/internal/storage"
	"github.com/openraffle/raffle-engine/internal/system"
	"github.com/openraffle/raffle-engine/internal/vrf"
	"github.com/openraffle/raffle-engine/pkg/logger"
)

var _ system.Service = (*Server)(nil)

// RandomnessAdmin is the slice of the coordinator the operator API drives:
// manual fulfillment and request inspection.
type RandomnessAdmin interface {
	Fulfill(ctx context.Context, requestID uint64) error
	FulfillWith(ctx context.Context, requestID uint64, words []*big.Int) error
	Request(requestID uint64) (vrf.Request, bool)
	Pending() []vrf.Request
}

// Config controls the listener and the protections in front of it.
type Config struct {
	Host string
	Port int

	// RateLimitRPS caps entry submissions per client; zero disables.
	RateLimitRPS   float64
	RateLimitBurst int

	CORSOrigins []string
}

// Deps are the engine components the API serves.
type Deps struct {
	Machine    *raffle.Machine
	Book       *ledger.Book
	Store      storage.Store
	Randomness RandomnessAdmin
	Events     events.EventLogger
	Log        *logger.Logger
}

// Server is the lifecycle-managed HTTP API.
type Server struct {
	cfg        Config
	machine    *raffle.Machine
	book       *ledger.Book
	store      storage.Store
	randomness RandomnessAdmin
	events     events.EventLogger
	log        *logger.Logger

	startedAt time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	listener net.Listener
	srv      *http.Server
}

// New creates the API server. It does not start listening until Start.
func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Server{
		cfg:        cfg,
		machine:    deps.Machine,
		book:       deps.Book,
		store:      deps.Store,
		randomness: deps.Randomness,
		events:     deps.Events,
		log:        log,
		startedAt:  time.Now().UTC(),
	}
}

// Name implements system.Service.
func (s *Server) Name() string { return "http-api" }

// Handler builds the full middleware-wrapped router. Exposed so tests can
// serve it without binding a port.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, s.log)
	r.Handle("/raffle/entries", limiter.Handler(http.HandlerFunc(s.handleCreateEntry))).Methods(http.MethodPost)

	r.HandleFunc("/raffle", s.handleGetRaffle).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", s.handleCheckUpkeep).Methods(http.MethodGet)
	r.HandleFunc("/raffle/upkeep", s.handlePerformUpkeep).Methods(http.MethodPost)
	r.HandleFunc("/raffle/players/{index}", s.handleGetPlayer).Methods(http.MethodGet)
	r.HandleFunc("/raffle/settlements", s.handleListSettlements).Methods(http.MethodGet)
	r.HandleFunc("/raffle/settlements/{id}", s.handleGetSettlement).Methods(http.MethodGet)

	r.HandleFunc("/accounts/{address}/balance", s.handleGetBalance).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{address}/deposits", s.handleCreateDeposit).Methods(http.MethodPost)

	r.HandleFunc("/randomness/requests", s.handleListRandomnessRequests).Methods(http.MethodGet)
	r.HandleFunc("/randomness/requests/{id}", s.handleGetRandomnessRequest).Methods(http.MethodGet)
	r.HandleFunc("/randomness/requests/{id}/fulfill", s.handleFulfillRandomnessRequest).Methods(http.MethodPost)

	r.HandleFunc("/events", s.handleListEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)

	var handler http.Handler = r
	if len(s.cfg.CORSOrigins) > 0 {
		handler = middleware.NewCORS(s.cfg.CORSOrigins).Handler(handler)
	}
	handler = middleware.NewRequestLogger(s.log).Handler(handler)
	handler = metrics.InstrumentHandler(handler)
	return handler
}

// Start binds the listener and serves in the background. A bind failure is
// reported synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// Request contexts derive from runCtx so long-lived streams notice
		// shutdown; Shutdown alone does not touch hijacked connections.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	s.listener = listener
	s.srv = srv
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server terminated")
		}
	}()

	s.log.WithField("addr", listener.Addr().String()).Info("http api listening")
	return nil
}

// Stop drains in-flight requests and closes event streams.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.srv
	cancel := s.cancel
	s.running = false
	s.srv = nil
	s.cancel = nil
	s.listener = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	s.log.Info("http api stopped")
	return nil
}

// Addr reports the bound address, useful when the configured port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
