package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"webmirror/internal/config"
	"webmirror/internal/guard"
	"webmirror/internal/render"
	"webmirror/internal/rewrite"
)

func serveView(h *ViewHandler, target string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/view?url="+url.QueryEscape(target), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestViewHandler_PassthroughImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(png)
	}))
	defer upstream.Close()

	h := newTestViewHandler(testConfig(), nil, nil)
	rec := serveView(h, upstream.URL+"/logo.png")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want %q", ct, "image/png")
	}
	if !bytes.Equal(rec.Body.Bytes(), png) {
		t.Errorf("body = %v, want %v", rec.Body.Bytes(), png)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "max-age=3600" {
		t.Errorf("Cache-Control = %q, want %q", cc, "max-age=3600")
	}
}

func TestViewHandler_PassthroughKeepsDeclaredCharset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css; charset=Shift_JIS")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer upstream.Close()

	rec := serveView(newTestViewHandler(testConfig(), nil, nil), upstream.URL+"/a.css")

	if ct := rec.Header().Get("Content-Type"); ct != "text/css; charset=Shift_JIS" {
		t.Errorf("Content-Type = %q, want the upstream value verbatim", ct)
	}
	if rec.Body.String() != "body{}" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestViewHandler_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte(`<a href="/p">caf` + "\xe9" + `</a>`))
	}))
	defer upstream.Close()

	rec := serveView(newTestViewHandler(testConfig(), nil, nil), upstream.URL+"/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/html; charset=utf-8")
	}
	want := `<a href="` + rewrite.ViewURL(upstream.URL+"/p") + `">café</a>`
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestViewHandler_InvalidTarget(t *testing.T) {
	h := newViewHandlerWithValidator(testConfig(), nil, nil, guard.New())

	for _, target := range []string{"", "   ", "http://localhost:3000/", "file:///etc/passwd", "not a url"} {
		t.Run(target, func(t *testing.T) {
			rec := serveView(h, target)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
			}
			if rec.Body.String() != msgInvalidURL {
				t.Errorf("body = %q, want %q", rec.Body.String(), msgInvalidURL)
			}
		})
	}
}

func TestViewHandler_MissingParameter(t *testing.T) {
	h := newTestViewHandler(testConfig(), nil, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/view", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestViewHandler_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal detail", http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	rec := serveView(newTestViewHandler(testConfig(), nil, nil), upstream.URL+"/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != msgStatus {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgStatus)
	}
	if strings.Contains(rec.Body.String(), "internal detail") {
		t.Error("upstream error body must not leak")
	}
}

func TestViewHandler_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1

	rec := serveView(newTestViewHandler(cfg, nil, nil), "http://127.0.0.1:1/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
	}
}

func TestViewHandler_Render(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<div id="root"></div>`))
	}))
	defer upstream.Close()

	r := &stubRenderer{page: &render.Page{HTML: `<a href="/post/1">post</a>`, URL: upstream.URL + "/"}}
	rec := serveView(newTestViewHandler(testConfig(), renderRuleFor(upstream.URL), r), upstream.URL+"/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), rewrite.ViewURL(upstream.URL+"/post/1")) {
		t.Errorf("body = %q, want rendered and rewritten markup", rec.Body.String())
	}
	if rec.Header().Get(HeaderDegraded) != "" {
		t.Errorf("%s set on a successful render", HeaderDegraded)
	}
}

func TestViewHandler_RenderTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>raw</p>`))
	}))
	defer upstream.Close()

	r := &stubRenderer{err: render.ErrTimeout}
	rec := serveView(newTestViewHandler(testConfig(), renderRuleFor(upstream.URL), r), upstream.URL+"/")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if rec.Body.String() != msgTimeout {
		t.Errorf("body = %q, want %q", rec.Body.String(), msgTimeout)
	}
}

func TestViewHandler_RenderFallbackIsFlagged(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<p>raw</p>`))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Render.Fallback = config.FallbackRewrite
	r := &stubRenderer{err: render.ErrLaunch}
	rec := serveView(newTestViewHandler(cfg, renderRuleFor(upstream.URL), r), upstream.URL+"/")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get(HeaderDegraded); got != "render" {
		t.Errorf("%s = %q, want %q", HeaderDegraded, got, "render")
	}
	if rec.Body.String() != "<p>raw</p>" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "<p>raw</p>")
	}
}
