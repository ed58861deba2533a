package handler

import (
	"context"
	"io"
	"log/slog"
	"net/url"

	"webmirror/internal/classify"
	"webmirror/internal/client"
	"webmirror/internal/config"
	"webmirror/internal/guard"
	"webmirror/internal/model"
	"webmirror/internal/render"
	"webmirror/internal/rewrite"
	"webmirror/internal/rules"
	"webmirror/internal/service"
)

type stubRenderer struct {
	page *render.Page
	err  error
}

func (r *stubRenderer) Render(_ context.Context, target string) (*render.Page, error) {
	if r.err != nil {
		return nil, &render.RenderError{URL: target, Err: r.err}
	}
	return r.page, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:   10,
			IdleConnections:  10,
			MaxRedirects:     5,
			MaxDocumentBytes: 1 << 20,
		},
		Render: config.RenderConfig{Enabled: true, Fallback: config.FallbackError},
	}
}

// newTestViewHandler builds a handler whose validator accepts loopback
// targets so httptest upstreams are reachable.
func newTestViewHandler(cfg *config.Config, rs rules.RuleSet, r service.Renderer) *ViewHandler {
	return newViewHandlerWithValidator(cfg, rs, r, guard.NewPermissive())
}

func newViewHandlerWithValidator(cfg *config.Config, rs rules.RuleSet, r service.Renderer, v *guard.Validator) *ViewHandler {
	logger := discardLogger()
	svc := service.NewMirrorService(cfg, v, rs,
		client.NewFetcher(cfg, v, logger, nil),
		classify.New(rs),
		r,
		rewrite.New(logger, nil),
		logger, nil)
	return NewViewHandler(svc, logger)
}

func renderRuleFor(rawURL string) rules.RuleSet {
	u, _ := url.Parse(rawURL)
	return rules.RuleSet{{Domain: u.Hostname(), Strategy: model.StrategyRender}}
}
