// Package server builds the Echo instances and runs their listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/time/rate"

	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/metrics"
	"passthrough-proxy/internal/middleware"
)

// NewProxyEcho creates the Echo instance of the proxy listener.
//
// Middleware is registered with Pre so it also runs for requests the router
// never sees, such as "OPTIONS *".
func NewProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho()

	e.Server.ReadHeaderTimeout = time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second
	// Bodies of any size and duration are relayed in both directions, so
	// neither the read nor the write of a whole message is time boxed.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	// Go answers "OPTIONS *" itself unless told otherwise.
	e.Server.DisableGeneralOptionsHandler = true

	e.Pre(echomw.Recover())
	e.Pre(middleware.MetricsMiddleware(m))
	e.Pre(middleware.RequestLogger(logger))

	if n := cfg.Server.BodyLimitBytes(); n > 0 {
		e.Pre(echomw.BodyLimit(fmt.Sprintf("%dB", n)))
		logger.Info("body limit enabled", "bytes", n)
	}

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Pre(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// NewAdminEcho creates the Echo instance of the admin listener.
func NewAdminEcho(logger *slog.Logger) *echo.Echo {
	e := newEcho()
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 30 * time.Second

	e.Use(echomw.Recover())
	e.Use(middleware.AdminHeaders())
	e.Use(middleware.RequestLogger(logger.With("listener", "admin")))
	return e
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// Server runs one Echo instance on its own listener.
type Server struct {
	name          string
	addr          string
	e             *echo.Echo
	proxyProtocol bool
	logger        *slog.Logger

	ln   net.Listener
	done chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithProxyProtocol makes the listener accept PROXY protocol v1/v2 headers.
// Connections without a header are served as-is.
func WithProxyProtocol(enabled bool) Option {
	return func(s *Server) { s.proxyProtocol = enabled }
}

// New creates a Server that will listen on addr once started.
func New(name, addr string, e *echo.Echo, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		name:   name,
		addr:   addr,
		e:      e,
		logger: logger.With("listener", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves in the background. A bind failure is
// returned to the caller; nothing is served in that case.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s listener on %s: %w", s.name, s.addr, err)
	}
	if s.proxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: s.e.Server.ReadHeaderTimeout,
		}
	}
	s.ln = ln
	s.done = make(chan struct{})

	s.logger.Info("starting server", "addr", ln.Addr().String(), "proxy_protocol", s.proxyProtocol)
	go func() {
		defer close(s.done)
		if err := s.e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop stops accepting connections and waits for in-flight requests until
// ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	if err := s.e.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown %s listener: %w", s.name, err)
	}
	<-s.done
	return nil
}
