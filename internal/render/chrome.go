package render

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"webmirror/internal/config"
	"webmirror/internal/guard"
)

// ChromeLauncher starts headless Chrome through chromedp.
type ChromeLauncher struct {
	allocatorOptions []chromedp.ExecAllocatorOption
	acceptLanguage   string
	validator        *guard.Validator
	logger           *slog.Logger
}

// NewChromeLauncher builds a launcher from the render and upstream settings.
// Every request the browser makes is checked with v.
func NewChromeLauncher(cfg *config.Config, v *guard.Validator, logger *slog.Logger) *ChromeLauncher {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
	)
	if ua := strings.TrimSpace(cfg.Upstream.UserAgent); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if p := strings.TrimSpace(cfg.Render.ChromePath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}

	return &ChromeLauncher{
		allocatorOptions: opts,
		acceptLanguage:   cfg.Upstream.AcceptLanguage,
		validator:        v,
		logger:           logger.With("component", "chrome"),
	}
}

// Launch starts a browser process bound to ctx. Cancelling ctx kills it.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, l.allocatorOptions...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// Running with no actions starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &chromeBrowser{
		ctx:            browserCtx,
		cancelAlloc:    cancelAlloc,
		acceptLanguage: l.acceptLanguage,
		validator:      l.validator,
		logger:         l.logger,
	}, nil
}

type chromeBrowser struct {
	ctx            context.Context
	cancelAlloc    context.CancelFunc
	acceptLanguage string
	validator      *guard.Validator
	logger         *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Render navigates to target, waits for the body element and captures the
// serialized document.
func (b *chromeBrowser) Render(ctx context.Context, target string) (*Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			go b.decide(tabCtx, e)
		}
	})

	var html, location string
	err := chromedp.Run(tabCtx,
		fetch.Enable(),
		chromedp.ActionFunc(b.setHeaders),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}
	return &Page{HTML: html, URL: location}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = chromedp.Cancel(b.ctx)
		b.cancelAlloc()
	})
	return b.closeErr
}

func (b *chromeBrowser) setHeaders(ctx context.Context) error {
	if err := network.Enable().Do(ctx); err != nil {
		return err
	}
	if b.acceptLanguage == "" {
		return nil
	}
	return network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": b.acceptLanguage}).Do(ctx)
}

// decide lets a paused request continue or fails it when the guard refuses its host.
func (b *chromeBrowser) decide(tabCtx context.Context, e *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(tabCtx, c.Target)

	var err error
	if b.allowed(e.Request.URL) {
		err = fetch.ContinueRequest(e.RequestID).Do(ctx)
	} else {
		b.logger.Info("blocked browser request", "url", e.Request.URL)
		err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	}
	if err != nil && tabCtx.Err() == nil {
		b.logger.Debug("request interception failed", "url", e.Request.URL, "err", err)
	}
}

// allowed applies the target rules to network requests. Schemes that never
// leave the browser, such as data: and blob:, are allowed.
func (b *chromeBrowser) allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "ws", "wss":
		u = &url.URL{Scheme: "http", Host: u.Host}
	default:
		return true
	}
	return b.validator.CheckURL(u) == nil
}
