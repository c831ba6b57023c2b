// Package tunnel implements "beamfile server": an authenticated HTTP
// endpoint that lets local services without a Beam client push files
// through the proxy. A request is answered as soon as the outbound socket
// is open; the body is then copied into the socket while the caller already
// holds its response.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/beam"
	"github.com/philsphicas/beamfile/internal/metrics"
	"github.com/philsphicas/beamfile/internal/relay"
)

// DefaultShutdownGrace is how long in-flight transfers may finish after
// shutdown starts before they are cancelled.
const DefaultShutdownGrace = 10 * time.Second

// Config holds tunnel server configuration.
type Config struct {
	Proxy         relay.Proxy
	Self          beam.AppID // own id; destinations are resolved against it
	APIKey        auth.APIKey
	MaxTransfers  int // 0 = unlimited
	ShutdownGrace time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional; nil disables metrics
}

// Server is the tunnel HTTP server.
type Server struct {
	cfg       Config
	transfers *registry
	sem       *admission
	router    chi.Router
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Proxy == nil {
		return nil, errors.New("tunnel: proxy is required")
	}
	if cfg.Self.IsZero() {
		return nil, errors.New("tunnel: own app id is required")
	}
	if cfg.APIKey.IsZero() {
		return nil, errors.New("tunnel: api key is required")
	}

	s := &Server{
		cfg:       cfg,
		transfers: newRegistry(),
		sem:       newAdmission(cfg.MaxTransfers),
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/send/{to}", s.handleSend)
		r.Get("/ws/send/{to}", s.handleWebSocketSend)
		r.Get("/transfers", s.handleTransfers)
	})
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler { return s.router }

// Transfers lists the transfers currently in flight.
func (s *Server) Transfers() []TransferInfo { return s.transfers.list() }

// Serve serves on ln until ctx is cancelled. Shutdown stops accepting, gives
// in-flight transfers ShutdownGrace to finish, then cancels the rest and
// waits for them to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.cfg.Logger
	srv := &http.Server{
		Handler: s.router,
		// No read or write timeout: request bodies stream for as long as
		// the transfer takes.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.transfers.close()
		graceCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if n := len(s.transfers.list()); n > 0 {
			logger.Info("waiting for in-flight transfers", "count", n, "grace", s.cfg.ShutdownGrace)
		}
		err := srv.Shutdown(graceCtx)
		if err == nil {
			err = s.transfers.wait(graceCtx)
		}
		if err != nil {
			logger.Warn("shutdown grace expired, cancelling transfers", "remaining", len(s.transfers.list()))
			s.transfers.cancelAll()
			_ = srv.Close() // unblocks body reads of cancelled transfers
		}
		_ = s.transfers.wait(context.Background())
	}()

	logger.Info("tunnel server listening", "addr", ln.Addr(), "self", s.cfg.Self)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
