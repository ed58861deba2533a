// Package service implements the mirror pipeline: validate, fetch, classify,
// optionally render, then rewrite.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"webmirror/internal/classify"
	"webmirror/internal/config"
	"webmirror/internal/guard"
	"webmirror/internal/metrics"
	"webmirror/internal/model"
	"webmirror/internal/render"
	"webmirror/internal/rewrite"
	"webmirror/internal/rules"
)

// HTMLContentType is sent for every rewritten or rendered document.
const HTMLContentType = "text/html; charset=utf-8"

// fallbackContentType is sent for passthrough responses that declared no type.
const fallbackContentType = "application/octet-stream"

// forwardableResponseHeaders are the upstream headers kept on passthrough responses.
// Content-Length and Content-Encoding are only present when the body was not decoded.
var forwardableResponseHeaders = map[string]bool{
	"Cache-Control":       true,
	"Content-Disposition": true,
	"Content-Encoding":    true,
	"Content-Language":    true,
	"Content-Length":      true,
	"Etag":                true,
	"Expires":             true,
	"Last-Modified":       true,
}

// Fetcher retrieves targets.
type Fetcher interface {
	Fetch(ctx context.Context, target string, h rules.Headers) (*model.FetchedResource, error)
	ReadDocument(res *model.FetchedResource) (string, error)
}

// Renderer produces script-rendered markup.
type Renderer interface {
	Render(ctx context.Context, target string) (*render.Page, error)
}

// MirrorService turns a requested target into a response body.
type MirrorService struct {
	validator  *guard.Validator
	rules      rules.RuleSet
	fetcher    Fetcher
	classifier *classify.Classifier
	renderer   Renderer
	rewriter   *rewrite.Rewriter
	fallback   string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewMirrorService creates a MirrorService. The renderer may be nil, in which
// case render decisions are served as rewrites. The metrics parameter is optional.
func NewMirrorService(
	cfg *config.Config,
	v *guard.Validator,
	rs rules.RuleSet,
	f Fetcher,
	c *classify.Classifier,
	r Renderer,
	rw *rewrite.Rewriter,
	logger *slog.Logger,
	m *metrics.Metrics,
) *MirrorService {
	return &MirrorService{
		validator:  v,
		rules:      rs,
		fetcher:    f,
		classifier: c,
		renderer:   r,
		rewriter:   rw,
		fallback:   cfg.Render.Fallback,
		logger:     logger.With("component", "mirror_service"),
		metrics:    m,
	}
}

// View mirrors raw. Errors are guard.ErrInvalidTarget for rejected targets,
// *client.FetchError for fetch failures and *render.RenderError for render
// failures. For passthrough results the caller must close Body.
func (s *MirrorService) View(ctx context.Context, raw string) (*model.Result, error) {
	target, err := s.validator.Validate(raw)
	if err != nil {
		return nil, err
	}
	host := target.Hostname()
	rule, _ := s.rules.Match(host)

	res, err := s.fetcher.Fetch(ctx, target.String(), rule.Headers)
	if err != nil {
		return nil, err
	}

	strategy := s.classifier.Classify(res.MediaType, host)
	if strategy == model.StrategyRender && s.renderer == nil {
		strategy = model.StrategyRewrite
	}
	if s.metrics != nil {
		s.metrics.StrategyTotal.WithLabelValues(strategy.String()).Inc()
	}

	s.logger.Debug("strategy selected",
		"url", target.String(),
		"final_url", res.BaseURL.String(),
		"media_type", res.MediaType,
		"strategy", strategy,
	)

	switch strategy {
	case model.StrategyPassthrough:
		return s.passthrough(res), nil
	case model.StrategyRender:
		return s.render(ctx, target, res)
	default:
		return s.rewrite(res)
	}
}

func (s *MirrorService) passthrough(res *model.FetchedResource) *model.Result {
	ct := res.MediaType
	if ct == "" {
		ct = fallbackContentType
	}
	return &model.Result{
		Strategy:    model.StrategyPassthrough,
		ContentType: ct,
		Header:      filterResponseHeaders(res.Header),
		Body:        res.Body,
	}
}

func (s *MirrorService) rewrite(res *model.FetchedResource) (*model.Result, error) {
	defer func() { _ = res.Body.Close() }()

	doc, err := s.fetcher.ReadDocument(res)
	if err != nil {
		return nil, err
	}
	out, err := s.rewriter.Rewrite(doc, res.BaseURL)
	if err != nil {
		return nil, err
	}
	return &model.Result{
		Strategy:    model.StrategyRewrite,
		ContentType: HTMLContentType,
		HTML:        out,
	}, nil
}

// render replaces the fetched markup with the browser's. With the rewrite
// fallback the fetched markup is kept so a failed render can still be
// served, flagged as degraded.
func (s *MirrorService) render(ctx context.Context, target *url.URL, res *model.FetchedResource) (*model.Result, error) {
	var (
		fetched string
		readErr error
	)
	if s.fallback == config.FallbackRewrite {
		fetched, readErr = s.fetcher.ReadDocument(res)
	}
	_ = res.Body.Close()

	page, err := s.renderer.Render(ctx, target.String())
	if err != nil {
		if s.fallback != config.FallbackRewrite || readErr != nil || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("render failed, serving fetched markup", "url", target.String(), "err", err)
		if s.metrics != nil {
			s.metrics.RenderFallbacksTotal.Inc()
		}
		out, rerr := s.rewriter.Rewrite(fetched, res.BaseURL)
		if rerr != nil {
			return nil, rerr
		}
		return &model.Result{
			Strategy:    model.StrategyRender,
			ContentType: HTMLContentType,
			HTML:        out,
			Degraded:    true,
		}, nil
	}

	out, err := s.rewriter.Rewrite(page.HTML, pageBase(page, res.BaseURL))
	if err != nil {
		return nil, err
	}
	return &model.Result{
		Strategy:    model.StrategyRender,
		ContentType: HTMLContentType,
		HTML:        out,
	}, nil
}

// pageBase returns the rendered document's location, or fallback when the
// browser reported something that is not an http(s) URL.
func pageBase(page *render.Page, fallback *url.URL) *url.URL {
	u, err := url.Parse(page.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fallback
	}
	return u
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
