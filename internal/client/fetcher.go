// Package client provides the outbound HTTP client that retrieves mirror targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"golang.org/x/net/html/charset"

	"webmirror/internal/config"
	"webmirror/internal/guard"
	"webmirror/internal/metrics"
	"webmirror/internal/model"
	"webmirror/internal/rules"
)

var (
	// ErrUpstreamStatus is wrapped by FetchError for non-2xx upstream responses.
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	// ErrResponseTooBig is wrapped by FetchError when a document exceeds the size limit.
	ErrResponseTooBig = errors.New("document exceeds maximum allowed size")
	// ErrTooManyRedirects is wrapped by FetchError when the redirect chain is too long.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// FetchError reports a failed outbound retrieval.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves targets with a single GET, following redirects.
// It never retries.
type Fetcher struct {
	httpClient     *http.Client
	validator      *guard.Validator
	logger         *slog.Logger
	metrics        *metrics.Metrics
	userAgent      string
	acceptLanguage string
	maxDocument    int64
	timeout        time.Duration
}

// NewFetcher creates a Fetcher with connection pooling and timeouts.
// Every connection goes through a dialer that filters resolved addresses with
// the validator, and every redirect hop is re-validated.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewFetcher(cfg *config.Config, v *guard.Validator, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	dialer := &transport.HappyEyeballsStreamDialer{
		Dialer: &transport.TCPDialer{Dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
			Control:   v.Control,
		}},
		Resolve: transport.NewParallelHappyEyeballsResolveFunc(v.Lookup("ip6"), v.Lookup("ip4")),
	}

	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			return dialer.DialStream(ctx, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Accept-Encoding is set explicitly and decoded in decodeBody.
		DisableCompression: true,
	}

	f := &Fetcher{
		validator:      v,
		logger:         logger.With("component", "fetcher"),
		metrics:        m,
		userAgent:      cfg.Upstream.UserAgent,
		acceptLanguage: cfg.Upstream.AcceptLanguage,
		maxDocument:    cfg.Upstream.MaxDocumentBytes,
		timeout:        timeout,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	f.httpClient = &http.Client{
		// Client.Timeout would also bound passthrough body reads. Fetch and
		// ReadDocument enforce the timeout instead.
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			if err := f.validator.CheckURL(req.URL); err != nil {
				return err
			}
			f.logger.Debug("following redirect", "to", req.URL.String(), "hops", len(via))
			return nil
		},
	}
	return f
}

// Fetch issues one GET for target and returns the response with its body
// decoded from any content-encoding. The caller must close Body.
//
// The configured timeout bounds the wait for response headers, redirects
// included. Reading Body is bounded only by ctx, so passthrough bodies can
// stream for as long as the client keeps reading; ReadDocument applies the
// remaining timeout to documents.
//
// Non-2xx responses are returned as a FetchError wrapping ErrUpstreamStatus.
func (f *Fetcher) Fetch(ctx context.Context, target string, h rules.Headers) (*model.FetchedResource, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, http.NoBody)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	f.setHeaders(req.Header, h)

	f.logger.Debug("upstream request", "url", target)

	start := time.Now()
	var headerTimer *time.Timer
	if f.timeout > 0 {
		headerTimer = time.AfterFunc(f.timeout, cancel)
	}

	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via FetchedResource
	// A timer that could not be stopped has fired or is firing.
	timedOut := headerTimer != nil && !headerTimer.Stop()
	if f.metrics != nil {
		f.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}
	if err == nil && timedOut {
		_ = resp.Body.Close()
		err = errors.New("response arrived after deadline")
	}
	if err != nil {
		cancel()
		if timedOut {
			err = fmt.Errorf("%w: no response within %s: %v", context.DeadlineExceeded, f.timeout, err)
		}
		return nil, &FetchError{URL: target, Err: err}
	}
	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		cancel()
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode, Err: ErrUpstreamStatus}
	}

	body, decoded, err := decodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, &FetchError{URL: target, StatusCode: resp.StatusCode, Err: err}
	}

	res := &model.FetchedResource{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		MediaType:  resp.Header.Get("Content-Type"),
		BaseURL:    resp.Request.URL,
		Body:       &cancelOnClose{ReadCloser: body, cancel: cancel},
		Decoded:    decoded,
		Abort:      cancel,
	}
	if f.timeout > 0 {
		res.Deadline = start.Add(f.timeout)
	}
	return res, nil
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// ReadDocument reads res.Body as text, converting it to UTF-8 from the
// declared or sniffed charset. Bodies larger than the configured document
// limit fail with ErrResponseTooBig. Reading past res.Deadline aborts the
// request and fails with an error wrapping context.DeadlineExceeded.
// Body is not closed.
func (f *Fetcher) ReadDocument(res *model.FetchedResource) (string, error) {
	var expired atomic.Bool
	if res.Abort != nil && !res.Deadline.IsZero() {
		t := time.AfterFunc(time.Until(res.Deadline), func() {
			expired.Store(true)
			res.Abort()
		})
		defer t.Stop()
	}

	lr := &io.LimitedReader{R: res.Body, N: f.maxDocument + 1}
	r, err := charset.NewReader(lr, res.MediaType)
	if err == nil {
		var data []byte
		data, err = io.ReadAll(r)
		if err == nil {
			return f.checkDocument(res, lr, data)
		}
	}
	if expired.Load() {
		err = fmt.Errorf("%w: document not read within %s: %v", context.DeadlineExceeded, f.timeout, err)
	}
	return "", &FetchError{URL: res.BaseURL.String(), StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
}

func (f *Fetcher) checkDocument(res *model.FetchedResource, lr *io.LimitedReader, data []byte) (string, error) {
	if lr.N <= 0 {
		return "", &FetchError{
			URL:        res.BaseURL.String(),
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("%w: more than %d bytes", ErrResponseTooBig, f.maxDocument),
		}
	}
	return string(data), nil
}

// setHeaders applies browser-like defaults, then per-domain overrides.
// An override of "none" removes the header.
func (f *Fetcher) setHeaders(dst http.Header, h rules.Headers) {
	dst.Set("Accept", acceptHeader)
	dst.Set("Accept-Encoding", "gzip, deflate, br")
	setOrDrop(dst, "User-Agent", f.userAgent, h.UserAgent)
	setOrDrop(dst, "Accept-Language", f.acceptLanguage, h.AcceptLanguage)
	setOrDrop(dst, "Referer", "", h.Referer)
	setOrDrop(dst, "Cookie", "", h.Cookie)
}

func setOrDrop(dst http.Header, key, def, override string) {
	v := def
	if override != "" {
		v = override
	}
	if v == "" || strings.EqualFold(v, "none") {
		dst.Del(key)
		return
	}
	dst.Set(key, v)
}
