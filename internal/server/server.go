// Package server is the HTTP surface over the ingestion pipeline: document
// accept, status, progress streaming, and DLQ administration.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crewbrain/crewbrain/internal/dlq"
	"github.com/crewbrain/crewbrain/internal/pipeline"
	"github.com/crewbrain/crewbrain/internal/progress"
	"github.com/crewbrain/crewbrain/internal/registry"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
	// MaxBodyBytes caps accepted uploads. Zero means 512 MiB.
	MaxBodyBytes int64
}

// Server exposes the pipeline over HTTP.
type Server struct {
	config   Config
	pipeline *pipeline.Pipeline
	reg      *registry.Registry
	queue    *dlq.Queue
	hub      *progress.Hub
	log      *logrus.Entry

	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

func New(cfg Config, p *pipeline.Pipeline, reg *registry.Registry, queue *dlq.Queue, hub *progress.Hub, log *logrus.Entry) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 512 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		pipeline: p,
		reg:      reg,
		queue:    queue,
		hub:      hub,
		log:      log,
		baseCtx:  ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /documents", s.handleAccept)
	mux.HandleFunc("GET /documents", s.handleList)
	mux.HandleFunc("GET /documents/{id}", s.handleStatus)
	mux.HandleFunc("GET /documents/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /documents/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /documents/{id}/retry-dead", s.handleRetryDead)
	mux.HandleFunc("GET /dlq", s.handleDLQList)
	mux.HandleFunc("POST /dlq/{id}/retry", s.handleDLQRetry)
	mux.HandleFunc("POST /dlq/{id}/discard", s.handleDLQDiscard)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the routed handler. Test hook.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the pipeline workers and blocks serving HTTP until
// Shutdown.
func (s *Server) ListenAndServe() error {
	s.pipeline.Start(s.baseCtx)
	s.log.WithField("addr", s.config.Addr).Info("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers always set the
// Origin header cross-origin, so checking it blocks CSRF from web pages
// while allowing CLI and programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown stops HTTP intake, then the pipeline workers.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
	s.pipeline.Wait()
}
