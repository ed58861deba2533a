// Package model defines shared types for the mirror.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Strategy is how a fetched resource is turned into the outbound response.
type Strategy string

const (
	// StrategyPassthrough streams the upstream body unmodified.
	StrategyPassthrough Strategy = "passthrough"
	// StrategyRewrite rewrites references in the fetched HTML.
	StrategyRewrite Strategy = "rewrite"
	// StrategyRender renders the page in a headless browser, then rewrites the result.
	StrategyRender Strategy = "render"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPassthrough, StrategyRewrite, StrategyRender:
		return true
	}
	return false
}

func (s Strategy) String() string {
	return string(s)
}

// FetchedResource is the upstream response for one target.
// The receiver owns Body and must close it.
type FetchedResource struct {
	StatusCode int
	Header     http.Header
	// MediaType is the declared Content-Type header, verbatim.
	MediaType string
	// BaseURL is the final URL after redirects.
	BaseURL *url.URL
	Body    io.ReadCloser
	// Decoded is set when a content-encoding was removed, in which case
	// the upstream Content-Length no longer describes Body.
	Decoded bool
	// Deadline is when reading a document must be done. Zero means no limit.
	Deadline time.Time
	// Abort cancels the upstream request. Pending reads from Body fail.
	Abort context.CancelFunc
}

// Result is what the mirror hands to the response emitter.
type Result struct {
	Strategy Strategy
	// ContentType is the outbound media type.
	ContentType string
	// Header holds extra headers forwarded on passthrough responses.
	Header http.Header
	// Body is set for passthrough results and must be closed by the caller.
	Body io.ReadCloser
	// HTML is set for rewrite and render results.
	HTML string
	// Degraded is set when a render failed and rewrite was used instead.
	Degraded bool
}
