package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callsignal/internal/api/middleware"
	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/database/models"
	"github.com/flowpbx/callsignal/internal/pubsub"
	"github.com/flowpbx/callsignal/internal/signal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// ChannelReader is the read side of the channel service used by the API.
type ChannelReader interface {
	QueryRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error)
	Watch(channelID string, fn func(channel.Event)) *pubsub.Subscription
}

// RingInitiator starts a call in a channel.
type RingInitiator interface {
	InitiateRing(ctx context.Context, channelRef string, caller signal.Caller) (*signal.Announcement, error)
}

// PushTokenStore registers devices for ring pushes.
type PushTokenStore interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	DeleteByUserAndDevice(ctx context.Context, userID, deviceID string) error
}

// Deps are the collaborators the API serves. PushTokens, Rooms and Metrics
// may be nil.
type Deps struct {
	Channels    ChannelReader
	Rings       RingInitiator
	Terminator  signal.Terminator
	PushTokens  PushTokenStore
	Rooms       RoomDirectory
	Countdown   time.Duration
	Metrics     http.Handler
	JWTSecret   []byte
	CORSOrigins []string
	TLSEnabled  bool
	Logger      *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	deps    Deps
	logger  *slog.Logger
	limiter *middleware.KeyedRateLimiter
	ringRL  *middleware.KeyedRateLimiter
	streams atomic.Int64

	sessionsMu sync.Mutex
	sessions   map[string]*signal.Session
	runCtx     context.Context
	runCancel  context.CancelFunc

	// done is closed by Close to end open event streams.
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Countdown <= 0 {
		deps.Countdown = signal.DefaultCountdown
	}
	s := &Server{
		router:   chi.NewRouter(),
		deps:     deps,
		logger:   deps.Logger.With("subsystem", "api"),
		limiter:  middleware.NewKeyedRateLimiter(middleware.DefaultRateLimitConfig()),
		ringRL:   middleware.NewKeyedRateLimiter(middleware.RingRateLimitConfig()),
		sessions: make(map[string]*signal.Session),
		done:     make(chan struct{}),
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ActiveStreams returns the number of open channel event streams.
func (s *Server) ActiveStreams() int {
	return int(s.streams.Load())
}

// Close stops the rate limiters, ends open event streams and closes hosted
// call sessions without ending their calls.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.limiter.Stop()
		s.ringRL.Stop()
		close(s.done)
		s.runCancel()
		s.closeSessions()
	})
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.deps.Logger))
	r.Use(middleware.Recoverer(s.deps.Logger))
	r.Use(middleware.SecurityHeaders(s.deps.TLSEnabled))
	r.Use(middleware.CORS(s.deps.CORSOrigins))

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.limiter, middleware.ByIP))

		r.Get("/health", s.handleHealth)

		r.Route("/chat", func(r chi.Router) {
			// The end-call route also accepts its token in the body so a
			// page-unload beacon can authenticate.
			r.With(middleware.RequireAuth(s.deps.JWTSecret, true)).Post("/end-call", s.handleEndCall)

			r.Route("/channels/{cid}", func(r chi.Router) {
				r.With(
					middleware.RequireAuth(s.deps.JWTSecret, false),
					middleware.RateLimit(s.ringRL, middleware.ByUser),
				).Post("/calls", s.handleInitiateRing)
				r.With(middleware.RequireAuth(s.deps.JWTSecret, false)).Get("/messages", s.handleListMessages)
				r.With(
					middleware.QueryToken,
					middleware.RequireAuth(s.deps.JWTSecret, false),
				).Get("/events", s.handleEvents)
			})

			if s.presenceEnabled() {
				r.Route("/calls/{callId}", func(r chi.Router) {
					r.Use(middleware.RequireAuth(s.deps.JWTSecret, false))
					r.Get("/", s.handleCallStatus)
					r.Post("/join", s.handleJoinCall)
					r.Post("/leave", s.handleLeaveCall)
				})
			}
		})

		r.Route("/app", func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.deps.JWTSecret, false))
			r.Post("/push-token", s.handleRegisterPushToken)
			r.Delete("/push-token", s.handleDeletePushToken)
		})
	})
}

// handleHealth handles GET /api/v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": s.ActiveStreams(),
	})
}
