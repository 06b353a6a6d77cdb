// Package client provides the HTTP client that fetches sendfile targets.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"sendfile-worker/internal/config"
	"sendfile-worker/internal/metrics"
	"sendfile-worker/internal/model"
)

// deadlineConn extends the read deadline before every Read, so the timeout
// bounds each stall rather than the whole transfer.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// RemoteClient fetches remote sendfile targets.
type RemoteClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRemoteClient creates a RemoteClient whose dial, TLS handshake, response
// header and per-read timeouts all equal sendfile.timeout_seconds.
// The metrics parameter is optional; pass nil to disable fetch metrics.
func NewRemoteClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RemoteClient {
	timeout := time.Duration(cfg.Sendfile.TimeoutSeconds) * time.Second
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Sendfile.IdleConnections,
		MaxIdleConnsPerHost: cfg.Sendfile.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, timeout: timeout}, nil
		},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &RemoteClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "remote_client"),
		metrics:    m,
	}
}

// Do executes req and returns the raw response.
// The caller is responsible for closing the response body.
func (c *RemoteClient) Do(req *http.Request) (*model.Response, error) {
	c.logger.Debug("remote request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via model.Response
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("remote request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// Fetch GETs target. The provided context controls the lifetime of the
// request; when it is canceled (e.g. the client disconnects) the fetch is
// canceled too. The caller is responsible for closing the returned Response.
func (c *RemoteClient) Fetch(ctx context.Context, target string) (*model.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	return c.Do(req)
}
