// Package httpapi exposes the dispatch engine over JSON HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/auth"
	"github.com/Tompark0927/bus-assigning/pkg/core/dispatch"
	"github.com/Tompark0927/bus-assigning/pkg/events"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to the engine
type Server struct {
	engine   *dispatch.Engine
	verifier *auth.Verifier
	hub      *events.Hub
	gatherer prometheus.Gatherer
	health   Pinger
	logger   *zap.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// Option configures a Server
type Option func(*Server)

// WithHub serves live events from hub at GET /events
func WithHub(hub *events.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithGatherer serves g at GET /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHealthCheck makes GET /health report 503 while p fails
func WithHealthCheck(p Pinger) Option {
	return func(s *Server) {
		s.health = p
	}
}

func NewServer(engine *dispatch.Engine, verifier *auth.Verifier, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		verifier: verifier,
		logger:   logger,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.hub != nil {
		s.mux.HandleFunc("GET /events", s.handleEvents)
	}

	s.mux.Handle("POST /admin/calls", s.admin(s.handleIssueCall))
	s.mux.Handle("GET /admin/calls", s.admin(s.handleListCalls))
	s.mux.Handle("POST /admin/sweep", s.admin(s.handleSweep))
	s.mux.Handle("POST /admin/update-streaks", s.admin(s.handleUpdateStreaks))
	s.mux.Handle("PUT /admin/drivers/{driverID}/state", s.admin(s.handleAdminDriverState))

	s.mux.Handle("POST /shifts/{shiftID}/cancel", s.driver(s.handleCancelShift))
	s.mux.Handle("POST /calls/{callID}/accept", s.driver(s.handleAccept))
	s.mux.Handle("POST /calls/{callID}/withdraw", s.driver(s.handleWithdraw))
	s.mux.Handle("POST /calls/{callID}/decline", s.driver(s.handleDecline))
	s.mux.Handle("GET /driver/calls", s.driver(s.handleDriverCalls))
	s.mux.Handle("PUT /driver/state", s.driver(s.handleDriverState))
	s.mux.Handle("POST /driver/device", s.driver(s.handleRegisterDevice))
}

// Handler returns the root handler with request logging and panic recovery
func (s *Server) Handler() http.Handler {
	return s.withLogging(s.withRecovery(s.mux))
}
