package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"webmirror/internal/client"
	"webmirror/internal/guard"
	"webmirror/internal/model"
	"webmirror/internal/render"
	"webmirror/internal/service"
)

// HeaderDegraded marks responses served by the render fallback.
const HeaderDegraded = "X-Mirror-Degraded"

// Client-facing messages. Internal error detail is only logged.
const (
	msgInvalidURL  = "Invalid URL."
	msgGeneric     = "An error occurred while loading the page."
	msgTimeout     = "The page took too long to load."
	msgUnreachable = "The site could not be reached."
	msgStatus      = "The site returned an error."
	msgTooLarge    = "The page is too large to mirror."
	msgRender      = "The page could not be rendered."
)

// ViewHandler serves GET /view.
type ViewHandler struct {
	service *service.MirrorService
	logger  *slog.Logger
}

// NewViewHandler creates a ViewHandler.
func NewViewHandler(svc *service.MirrorService, logger *slog.Logger) *ViewHandler {
	return &ViewHandler{
		service: svc,
		logger:  logger.With("component", "view_handler"),
	}
}

// Handle mirrors the target named by the url query parameter.
func (h *ViewHandler) Handle(c echo.Context) error {
	raw := c.QueryParam("url")
	if strings.TrimSpace(raw) == "" {
		return c.String(http.StatusBadRequest, msgInvalidURL)
	}

	res, err := h.service.View(c.Request().Context(), raw)
	if err != nil {
		return h.mapError(c, raw, err)
	}
	return h.emit(c, res)
}

// emit writes a mirror result. Passthrough bodies are streamed as they arrive.
func (h *ViewHandler) emit(c echo.Context, res *model.Result) error {
	header := c.Response().Header()

	if res.Strategy == model.StrategyPassthrough {
		defer func() { _ = res.Body.Close() }()

		for key, vals := range res.Header {
			for _, v := range vals {
				header.Add(key, v)
			}
		}
		header.Set(echo.HeaderContentType, res.ContentType)
		c.Response().WriteHeader(http.StatusOK)

		// The status is already sent, so a failed copy leaves the client
		// with a truncated body. Log it and move on.
		if _, err := io.Copy(c.Response(), res.Body); err != nil {
			h.logger.Error("streaming response body",
				"err", err,
				"url", c.QueryParam("url"),
			)
		}
		return nil
	}

	if res.Degraded {
		header.Set(HeaderDegraded, string(model.StrategyRender))
	}
	return c.Blob(http.StatusOK, res.ContentType, []byte(res.HTML))
}

func (h *ViewHandler) mapError(c echo.Context, raw string, err error) error {
	if errors.Is(err, guard.ErrInvalidTarget) {
		h.logger.Info("rejected target", "url", raw, "err", err)
		return c.String(http.StatusBadRequest, msgInvalidURL)
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Info("client disconnected", "url", raw)
		return c.String(http.StatusInternalServerError, msgGeneric)
	}

	h.logger.Error("mirror error", "url", raw, "err", err)

	var (
		renderErr *render.RenderError
		dnsErr    *net.DNSError
	)
	switch {
	case errors.Is(err, render.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return c.String(http.StatusInternalServerError, msgTimeout)
	case errors.As(err, &renderErr):
		return c.String(http.StatusInternalServerError, msgRender)
	case errors.Is(err, client.ErrUpstreamStatus):
		return c.String(http.StatusInternalServerError, msgStatus)
	case errors.Is(err, client.ErrResponseTooBig):
		return c.String(http.StatusInternalServerError, msgTooLarge)
	case errors.As(err, &dnsErr), errors.Is(err, guard.ErrNoPublicAddress):
		return c.String(http.StatusInternalServerError, msgUnreachable)
	default:
		return c.String(http.StatusInternalServerError, msgGeneric)
	}
}
