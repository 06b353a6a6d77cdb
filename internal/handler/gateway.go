package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"sendfile-worker/internal/config"
	"sendfile-worker/internal/middleware"
	"sendfile-worker/internal/model"
	"sendfile-worker/internal/service"
	"sendfile-worker/internal/transport"
)

// Relay forwards one request to the worker and returns its answer.
type Relay interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, error)
}

// GatewayHandler relays HTTP requests to the worker and honours the
// sendfile directive on its responses.
type GatewayHandler struct {
	relay    Relay
	sendfile *service.SendfileService
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler. Worker calls are bounded by
// gateway.timeout_seconds.
func NewGatewayHandler(relay Relay, svc *service.SendfileService, cfg *config.Config, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		relay:    relay,
		sendfile: svc,
		timeout:  time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		logger:   logger.With("component", "gateway_handler"),
	}
}

// Handle relays the request to the worker and writes its answer.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	wr := &model.Request{
		ID:     c.Response().Header().Get(echo.HeaderXRequestID),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Header: req.Header,
		Body:   body,
	}
	if wr.ID != "" {
		c.Set(middleware.KeyWorkerID, wr.ID)
	}

	ctx := req.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	resp, err := h.relay.Do(ctx, wr)
	if err != nil {
		return h.mapRelayError(c, err)
	}
	defer func() { _ = resp.Close() }()

	if target := resp.Directive(); target != "" {
		return h.delegate(c, resp, target)
	}
	return h.write(c, resp)
}

func (h *GatewayHandler) write(c echo.Context, resp *model.Response) error {
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Response().WriteHeader(status)
	if resp.Body == nil {
		return nil
	}
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("writing worker body", "err", err, "path", c.Request().URL.Path)
	}
	return nil
}

// delegate replaces the worker's body with the directive's target.
func (h *GatewayHandler) delegate(c echo.Context, resp *model.Response, target string) error {
	c.Set(middleware.KeySendfileTarget, target)

	upstream, err := h.sendfile.Resolve(c.Request().Context(), target)
	if err != nil {
		return h.mapSendfileError(c, err)
	}
	defer func() { _ = upstream.Close() }()

	header := c.Response().Header()
	for key, vals := range h.sendfile.DirectiveHeaders(resp.Header) {
		header[key] = vals
	}
	c.Response().WriteHeader(http.StatusOK)

	if upstream.Body == nil {
		return nil
	}
	contentLength, err := strconv.ParseInt(upstream.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		contentLength = -1
	}
	rc := http.NewResponseController(c.Response())
	if n, err := h.sendfile.Stream(c.Response(), rc.Flush, upstream.Body, contentLength); err != nil {
		// Headers are already sent; the client sees a truncated body.
		h.logger.Error("streaming sendfile target", "err", err, "target", target, "written", n)
	}
	return nil
}

func (h *GatewayHandler) mapRelayError(c echo.Context, err error) error {
	h.logger.Error("worker relay error", "err", err, "path", c.Request().URL.Path)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "worker did not answer in time",
		})
	}
	var we *transport.WorkerError
	if errors.As(err, &we) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "worker failed to handle the request",
		})
	}
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "worker unavailable",
	})
}

func (h *GatewayHandler) mapSendfileError(c echo.Context, err error) error {
	var se *service.UpstreamStatusError
	switch {
	case errors.Is(err, service.ErrLocalTarget):
		h.logger.Error(err.Error(), "path", c.Request().URL.Path)
		return c.NoContent(http.StatusNotFound)
	case errors.Is(err, service.ErrHostNotAllowed):
		h.logger.Warn("sendfile target rejected", "err", err)
		return c.NoContent(http.StatusForbidden)
	case errors.Is(err, service.ErrUpstreamTimeout):
		h.logger.Error("sendfile target timed out", "err", err)
		return c.NoContent(http.StatusRequestTimeout)
	case errors.As(err, &se):
		h.logger.Error("sendfile target failed", "err", err)
		return c.NoContent(http.StatusBadRequest)
	default:
		h.logger.Error("sendfile fetch failed", "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
}
