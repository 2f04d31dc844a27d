// Package server is the ingress surface of the healer: normalized failure
// events in, case status and a live event stream out. Webhook signature
// verification and payload mapping live in the forge adapter, not here.
package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/healer/engine"
	"github.com/remedyhq/remedy/internal/healer/events"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8080"
}

// Server exposes the healer over HTTP.
type Server struct {
	config      Config
	svc         *engine.Service
	broadcaster *events.Broadcaster
	baseCtx     context.Context
	cancel      context.CancelFunc
	httpSrv     *http.Server
	log         *logrus.Entry
}

// New creates a Server around a started Service. The broadcaster must be the
// same sink the service emits into.
func New(cfg Config, svc *engine.Service, b *events.Broadcaster, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		svc:         svc,
		broadcaster: b,
		baseCtx:     ctx,
		cancel:      cancel,
		log:         log,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/events", s.handleSubmitEvent)
	mux.HandleFunc("GET /v1/cases/{id}", s.handleGetCase)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.log.WithField("signal", sig.String()).Info("shutting down")
		s.Shutdown()
	}()

	s.log.WithField("addr", s.config.Addr).Info("listening")
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and cancels the base context. The engine
// workers are owned by the caller and stop through their own context.
func (s *Server) Shutdown() {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	s.cancel()
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests; CLI and forge-adapter callers omit it.
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
