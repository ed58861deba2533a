package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"webmirror/internal/classify"
	"webmirror/internal/client"
	"webmirror/internal/config"
	"webmirror/internal/guard"
	"webmirror/internal/handler"
	"webmirror/internal/metrics"
	"webmirror/internal/middleware"
	"webmirror/internal/render"
	"webmirror/internal/rewrite"
	"webmirror/internal/rules"
	"webmirror/internal/service"
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
		kong.Name("webmirror"),
		kong.Description("Personal web mirror: fetches pages and rewrites them to browse through this server."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			guard.New,
			newRuleSet,
			fx.Annotate(client.NewFetcher, fx.As(new(service.Fetcher))),
			classify.New,
			newRenderer,
			rewrite.New,
			service.NewMirrorService,
			handler.NewViewHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Renders and large passthrough bodies can take longer than any fixed
	// write deadline. Upstream and render timeouts bound the work instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders(cfg.Server.PoweredBy))

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newRuleSet loads the rule files and folds in render.domains. With
// rendering disabled, render overrides are served as rewrites.
func newRuleSet(cfg *config.Config, logger *slog.Logger) (rules.RuleSet, error) {
	rs, err := rules.Load(cfg.Rules.Path, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Render.Enabled {
		return rs.WithRenderDomains(cfg.Render.Domains), nil
	}
	if len(cfg.Render.Domains) > 0 {
		logger.Warn("render.domains ignored because rendering is disabled", "domains", len(cfg.Render.Domains))
	}
	return rs.WithoutRender(), nil
}

// newRenderer returns nil when rendering is disabled; the mirror service
// then serves every HTML document as a rewrite.
func newRenderer(cfg *config.Config, v *guard.Validator, logger *slog.Logger, m *metrics.Metrics) service.Renderer {
	if !cfg.Render.Enabled {
		return nil
	}
	launcher := render.NewChromeLauncher(cfg, v, logger)
	timeout := time.Duration(cfg.Render.TimeoutSeconds) * time.Second
	logger.Info("headless rendering enabled",
		"timeout", timeout,
		"max_concurrent", cfg.Render.MaxConcurrent,
		"fallback", cfg.Render.Fallback,
	)
	return render.New(launcher, timeout, cfg.Render.MaxConcurrent, logger, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "config", cfg.FilePath())
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
