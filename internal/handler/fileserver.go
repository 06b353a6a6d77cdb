package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"sendfile-worker/internal/config"
)

// FileServerHandler serves the fixture targets the sendfile consumer fetches.
type FileServerHandler struct {
	file   string
	delay  time.Duration
	logger *slog.Logger
}

// NewFileServerHandler creates a FileServerHandler.
func NewFileServerHandler(cfg *config.Config, logger *slog.Logger) *FileServerHandler {
	return &FileServerHandler{
		file:   cfg.FileServer.File,
		delay:  time.Duration(cfg.FileServer.DelayMillis) * time.Millisecond,
		logger: logger.With("component", "file_server"),
	}
}

// File serves the configured file.
func (h *FileServerHandler) File(c echo.Context) error {
	return c.File(h.file)
}

// Missing always answers 404.
func (h *FileServerHandler) Missing(c echo.Context) error {
	return c.NoContent(http.StatusNotFound)
}

// Slow stalls for the configured delay before serving the file. It gives up
// without writing if the client goes away first.
func (h *FileServerHandler) Slow(c echo.Context) error {
	timer := time.NewTimer(h.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return c.File(h.file)
	case <-c.Request().Context().Done():
		h.logger.Debug("client left during stall", "err", c.Request().Context().Err())
		return nil
	}
}
