package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"sendfile-worker/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// WorkerInfo describes the worker subprocess behind the gateway.
type WorkerInfo interface {
	Pid() int
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	worker  WorkerInfo
}

// NewHealthHandler creates a HealthHandler. worker may be nil when no worker
// subprocess is attached, as in the file server.
func NewHealthHandler(cfg *config.Config, v Version, worker WorkerInfo) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, worker: worker}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	WorkerPid     int    `json:"worker_pid,omitempty"`
	RemoteBaseURL string `json:"remote_base_url"`
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		RemoteBaseURL: h.cfg.Worker.RemoteBaseURL,
	}
	if h.worker != nil {
		resp.WorkerPid = h.worker.Pid()
	}
	return c.JSON(http.StatusOK, resp)
}
