package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"

	"passthrough-proxy/internal/client"
	"passthrough-proxy/internal/config"
	"passthrough-proxy/internal/handler"
	"passthrough-proxy/internal/metrics"
	"passthrough-proxy/internal/server"
	"passthrough-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("passthrough-proxy"),
		kong.Description("Single-hop HTTP reverse proxy forwarding every request to one upstream."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewAdminHandler,
			fx.Annotate(server.NewProxyEcho, fx.ResultTags(`name:"proxy"`)),
			fx.Annotate(server.NewAdminEcho, fx.ResultTags(`name:"admin"`)),
		),
		fx.Invoke(
			fx.Annotate(handler.RegisterRoutes, fx.ParamTags(`name:"proxy"`)),
			fx.Annotate(handler.RegisterAdminRoutes, fx.ParamTags(`name:"admin"`)),
			warnConfigPermissions,
			fx.Annotate(startServers, fx.ParamTags(``, `name:"proxy"`, `name:"admin"`)),
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	// log.level is validated by config.Load.
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("service", "passthrough-proxy")
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startServers binds the proxy listener, and the admin listener when enabled.
// A bind failure aborts startup, which makes fx exit with a non-zero status.
func startServers(
	lc fx.Lifecycle,
	proxyEcho, adminEcho *echo.Echo,
	cfg *config.Config,
	upstream *client.UpstreamClient,
	logger *slog.Logger,
) {
	servers := []*server.Server{
		server.New("proxy", cfg.Server.Addr(), proxyEcho, logger,
			server.WithProxyProtocol(cfg.Server.ProxyProtocol)),
	}
	if cfg.Admin.Enabled {
		servers = append(servers, server.New("admin", cfg.Admin.Addr(), adminEcho, logger))
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			for i, s := range servers {
				if err := s.Start(); err != nil {
					for _, started := range servers[:i] {
						_ = started.Stop(context.Background())
					}
					return err
				}
			}
			logger.Info("forwarding requests", "upstream", cfg.Upstream.BaseURL)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
			defer cancel()

			var err error
			for _, s := range servers {
				err = multierr.Append(err, s.Stop(ctx))
			}
			upstream.CloseIdleConnections()
			return err
		},
	})
}
