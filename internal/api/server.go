// Package api is the HTTP surface of the call queue service: the voice
// provider's webhooks (digit presses, hold-loop redirects, agent leg
// events, hangups), the agent websocket endpoint, and a small read API
// for queue state.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/max-tl-2000/red-callqueue/internal/api/middleware"
	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/queue"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	service  *queue.Service
	store    database.QueueStoreRepository
	users    database.UserRepository
	bus      queue.Publisher
	hub      *notify.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	service *queue.Service,
	store database.QueueStoreRepository,
	users database.UserRepository,
	bus queue.Publisher,
	hub *notify.Hub,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		store:   store,
		users:   users,
		bus:     bus,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	// Provider webhooks. The provider retries on 5xx, so handlers
	// return 200 with a best-effort response wherever the condition is
	// a benign race rather than a failure.
	webhookLimiter := middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig())
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookLimiter))
		r.Post("/digits-pressed", s.handleDigitsPressed)
		r.Post("/call-ready-for-dequeue", s.handleCallReadyForDequeue)
		r.Post("/agent-call-for-queue", s.handleAgentCallForQueue)
		r.Post("/agent-call-declined", s.handleAgentCallDeclined)
		r.Post("/transfer-from-queue", s.handleTransferFromQueue)
		r.Post("/voicemail", s.handleVoicemail)
		r.Post("/transfer-to-number", s.handleTransferToNumber)
		r.Post("/hangup", s.handleHangup)
	})

	apiLimiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig())
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(apiLimiter))
		r.Get("/queue/counts", s.handleQueueCounts)
		r.Get("/queue/teams/{teamID}/calls", s.handleQueuedCallsByTeam)
		r.Get("/queue/calls/{commID}/live-fired-calls", s.handleLiveFiredCalls)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
