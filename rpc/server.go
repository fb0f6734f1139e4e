// Package rpc exposes the node's command surface over HTTP.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ghostswap/engine"
	"ghostswap/history"
	"ghostswap/intent"
	"ghostswap/p2p"
	"ghostswap/protocol"
)

// Engine is the subset of the intent engine served over HTTP.
type Engine interface {
	Self() string
	PostIntent(ctx context.Context, amount, fromToken, toToken string) (intent.Intent, error)
	CancelIntent(ctx context.Context, id string) error
	AcceptPartial(ctx context.Context, id string) (protocol.Match, error)
	ListIntents() []intent.Intent
	ListOpenIntents() []intent.Intent
	Intent(id string) (intent.Intent, bool)
	PartialMatches() []engine.Partial
	Score(peer string) (int64, error)
	Subscribe(buffer int) (<-chan engine.Notification, func())
}

// PeerSource reports the live mesh links.
type PeerSource interface {
	Peers() []p2p.PeerInfo
}

// HistorySource reads back the event log.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Config tunes the HTTP surface.
type Config struct {
	ListenAddress string
	// JWTSecret enables HS256 bearer auth on mutating routes when set.
	JWTSecret     string
	JWTIssuer     string
	JWTAudience   string
	RatePerSecond float64
	RateBurst     int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// Server serves the REST API and the websocket event stream.
type Server struct {
	cfg     Config
	engine  Engine
	peers   PeerSource
	history HistorySource
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// NewServer wires the API around eng. peers and hist may be nil.
func NewServer(cfg Config, eng Engine, peers PeerSource, hist HistorySource) (*Server, error) {
	if eng == nil {
		return nil, errors.New("rpc: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rpc"))
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		engine:  eng,
		peers:   peers,
		history: hist,
		auth:    newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, logger),
		limiter: newRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		logger:  logger,
	}, nil
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe, s.limiter.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/intents", s.handleListIntents)
		v1.Get("/intents/{id}", s.handleGetIntent)
		v1.Get("/partials", s.handlePartials)
		v1.Get("/peers", s.handlePeers)
		v1.Get("/reputation/{peer}", s.handleReputation)
		v1.Get("/history", s.handleHistory)
		v1.Get("/events", s.handleEvents)

		v1.Group(func(mut chi.Router) {
			mut.Use(s.auth.middleware)
			mut.Post("/intents", s.handlePostIntent)
			mut.Delete("/intents/{id}", s.handleCancelIntent)
			mut.Post("/intents/{id}/accept", s.handleAcceptPartial)
		})
	})
	return otelhttp.NewHandler(r, "ghostswap-api")
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.cfg.ListenAddress, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		// websocket writes carry their own per-message deadline
		WriteTimeout: 0,
		IdleTimeout:  2 * s.cfg.ReadTimeout,
	}
	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("api listening", slog.String("addr", ln.Addr().String()), slog.Bool("auth", s.auth.enabled()))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.ListenAddress
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
