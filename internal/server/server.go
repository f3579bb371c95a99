// Package server is the transport boundary: an authenticated HTTP API over
// the session registry and dispatch queue, plus a websocket channel relaying
// per-session events and the prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"courier/internal/dispatch"
	"courier/internal/eventbus"
	"courier/internal/session"
	"courier/pkg/logx"
)

// Sessions is the registry surface the API exposes.
type Sessions interface {
	Initialize(ctx context.Context, id, ownerID string) error
	Disconnect(ctx context.Context, id string) error
	Status(id string) session.Snapshot
	PairingCode(id string) (string, bool)
}

// Queue is the dispatch surface the API exposes.
type Queue interface {
	Enqueue(ctx context.Context, req dispatch.EnqueueRequest) error
	EnqueueBatch(ctx context.Context, reqs []dispatch.EnqueueRequest) error
	Pause()
	Resume()
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) (dispatch.Stats, error)
}

type Config struct {
	Addr   string
	Secret string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type Server struct {
	cfg      Config
	sessions Sessions
	queue    Queue
	bus      eventbus.Bus
	gatherer prometheus.Gatherer
	log      logx.Logger

	srv *http.Server
}

func New(cfg Config, sessions Sessions, queue Queue, bus eventbus.Bus, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	return &Server{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		queue:    queue,
		bus:      bus,
		gatherer: gatherer,
		log:      log,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Everything else requires the shared secret.
	mux.Handle("POST /session/init", s.auth(s.handleSessionInit))
	mux.Handle("GET /session/{id}/status", s.auth(s.handleSessionStatus))
	mux.Handle("GET /session/{id}/qr", s.auth(s.handleSessionQR))
	mux.Handle("POST /session/{id}/disconnect", s.auth(s.handleSessionDisconnect))

	mux.Handle("POST /message/send", s.auth(s.handleMessageSend))
	mux.Handle("POST /message/bulk", s.auth(s.handleMessageBulk))

	mux.Handle("GET /queue/stats", s.auth(s.handleQueueStats))
	mux.Handle("POST /queue/pause", s.auth(s.handleQueuePause))
	mux.Handle("POST /queue/resume", s.auth(s.handleQueueResume))
	mux.Handle("POST /queue/clear", s.auth(s.handleQueueClear))

	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// Start begins serving and returns once the listener stops. It returns nil
// on graceful shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(sctx)
}
