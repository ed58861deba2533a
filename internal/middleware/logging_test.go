package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "status=200") {
		t.Errorf("log line = %q, want INFO with status=200", out)
	}
	if strings.Contains(out, "target=") {
		t.Errorf("log line = %q, want no target attribute", out)
	}
}

func TestRequestLogger_LogsTarget(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/view", func(c echo.Context) error {
		return c.String(http.StatusInternalServerError, "boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/view?url=https%3A%2F%2Fexample.com%2F", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := buf.String()
	if !strings.Contains(out, "target=https://example.com/") {
		t.Errorf("log line = %q, want target attribute", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("log line = %q, want WARN for a 5xx", out)
	}
}
