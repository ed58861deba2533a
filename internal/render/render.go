// Package render loads pages in a headless browser so that script-built
// markup can be mirrored.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"webmirror/internal/metrics"
)

var (
	// ErrTimeout is wrapped by RenderError when the render deadline passes.
	ErrTimeout = errors.New("render timed out")
	// ErrLaunch is wrapped by RenderError when the browser cannot be started.
	ErrLaunch = errors.New("browser launch failed")
	// ErrBusy is wrapped by RenderError when no render slot frees up in time.
	ErrBusy = errors.New("no render slot available")
)

// RenderError reports a failed render.
type RenderError struct {
	URL string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.URL, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Page is a rendered document.
type Page struct {
	// HTML is the serialized document after scripts ran.
	HTML string
	// URL is the document location when it was captured.
	URL string
}

// Browser is one running browser instance, owned by a single render.
type Browser interface {
	Render(ctx context.Context, target string) (*Page, error)
	Close() error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Renderer runs renders with a bounded number of concurrent browsers.
// Each render launches its own browser and closes it before returning.
type Renderer struct {
	launcher Launcher
	slots    *semaphore.Weighted
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Renderer. Waiting for a free slot counts against timeout.
// The metrics parameter is optional.
func New(l Launcher, timeout time.Duration, maxConcurrent int, logger *slog.Logger, m *metrics.Metrics) *Renderer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Renderer{
		launcher: l,
		slots:    semaphore.NewWeighted(int64(maxConcurrent)),
		timeout:  timeout,
		logger:   logger.With("component", "renderer"),
		metrics:  m,
	}
}

// Render loads target in a fresh browser and returns the resulting document.
// Failures are returned as *RenderError.
func (r *Renderer) Render(ctx context.Context, target string) (page *Page, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	outcome := "error"
	defer func() {
		if r.metrics != nil {
			r.metrics.RenderDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}()

	if err := r.slots.Acquire(ctx, 1); err != nil {
		outcome = "busy"
		return nil, &RenderError{URL: target, Err: fmt.Errorf("%w: %w", ErrBusy, err)}
	}
	defer r.slots.Release(1)

	if r.metrics != nil {
		r.metrics.RendersInFlight.Inc()
		defer r.metrics.RendersInFlight.Dec()
	}

	b, err := r.launcher.Launch(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			return nil, &RenderError{URL: target, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
		}
		return nil, &RenderError{URL: target, Err: fmt.Errorf("%w: %w", ErrLaunch, err)}
	}
	if r.metrics != nil {
		r.metrics.BrowserLaunches.Inc()
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			r.logger.Warn("browser close failed", "url", target, "err", cerr)
		}
	}()

	page, err = b.Render(ctx, target)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
			return nil, &RenderError{URL: target, Err: fmt.Errorf("%w after %s: %w", ErrTimeout, r.timeout, err)}
		}
		return nil, &RenderError{URL: target, Err: err}
	}

	outcome = "ok"
	r.logger.Debug("page rendered", "url", target, "final_url", page.URL, "bytes", len(page.HTML),
		"duration_ms", time.Since(start).Milliseconds())
	return page, nil
}
