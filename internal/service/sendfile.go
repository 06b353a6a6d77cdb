// Package service resolves sendfile directives on behalf of the gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"sendfile-worker/internal/client"
	"sendfile-worker/internal/config"
	"sendfile-worker/internal/model"
)

// ErrLocalTarget is returned for directive targets that are not URLs. Local
// paths, upward traversal included, are never resolved.
var ErrLocalTarget = errors.New("header value must start with http")

// ErrHostNotAllowed is returned when the target host is not in sendfile.allowed_hosts.
var ErrHostNotAllowed = errors.New("sendfile host is not in the allowlist")

// ErrUpstreamTimeout is returned when the remote target stalls longer than
// sendfile.timeout_seconds.
var ErrUpstreamTimeout = errors.New("remote fetch timed out")

// UpstreamStatusError is returned when the remote target answers with a
// status other than 200.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("invalid upstream response status code %d", e.StatusCode)
}

// contentTypeOctetStream replaces the worker's content type on delegated bodies.
const contentTypeOctetStream = "application/octet-stream"

// droppedDirectiveHeaders are worker headers not forwarded when the body is
// replaced by the directive's target.
var droppedDirectiveHeaders = map[string]bool{
	model.HeaderSendfile: true,
	"Content-Length":     true,
	"Content-Encoding":   true,
	"Connection":         true,
	"Keep-Alive":         true,
	"Transfer-Encoding":  true,
	"Trailer":            true,
	"Upgrade":            true,
}

// SendfileService validates directive targets and fetches them.
type SendfileService struct {
	client  *client.RemoteClient
	logger  *slog.Logger
	allowed map[string]bool
	buffers *bufferPool
}

// NewSendfileService creates a SendfileService. An empty sendfile.allowed_hosts
// allows any host.
func NewSendfileService(c *client.RemoteClient, cfg *config.Config, logger *slog.Logger) *SendfileService {
	var allowed map[string]bool
	if len(cfg.Sendfile.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.Sendfile.AllowedHosts))
		for _, h := range cfg.Sendfile.AllowedHosts {
			allowed[strings.ToLower(h)] = true
		}
	}
	return &SendfileService{
		client:  c,
		logger:  logger.With("component", "sendfile_service"),
		allowed: allowed,
		buffers: newBufferPool(cfg.Sendfile.ChunkBytes),
	}
}

// Resolve fetches the directive target and returns the upstream response,
// which is guaranteed to be a 200. The caller is responsible for closing it.
func (s *SendfileService) Resolve(ctx context.Context, target string) (*model.Response, error) {
	u, err := s.validate(target)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("resolving sendfile directive", "target", u.Redacted())

	resp, err := s.client.Fetch(ctx, u.String())
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("fetch sendfile target: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Close()
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

func (s *SendfileService) validate(target string) (*url.URL, error) {
	if !strings.HasPrefix(target, "http") {
		return nil, ErrLocalTarget
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse sendfile target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrLocalTarget
	}
	if s.allowed != nil && !s.allowed[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}
	return u, nil
}

// DirectiveHeaders returns the worker headers to send along with a resolved
// directive body: the directive itself and framing headers are removed and
// the content type is forced to application/octet-stream.
func (s *SendfileService) DirectiveHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if droppedDirectiveHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = vals
	}
	dst.Set("Content-Type", contentTypeOctetStream)
	return dst
}

// Stream copies the upstream body to w in chunks, calling flush after every
// written chunk so the client sees data as it arrives. It returns the number
// of bytes written. A read error other than io.EOF, a write error or a flush
// error stops the copy.
func (s *SendfileService) Stream(w io.Writer, flush func() error, body io.Reader, contentLength int64) (int64, error) {
	buf := s.buffers.get(contentLength)
	defer s.buffers.put(buf)

	var written int64
	for {
		nr, er := body.Read(*buf)
		if nr > 0 {
			nw, ew := w.Write((*buf)[:nr])
			written += int64(nw)
			if nw > 0 {
				if ef := flush(); ef != nil {
					return written, fmt.Errorf("flush downstream: %w", ef)
				}
			}
			if ew != nil {
				return written, fmt.Errorf("write downstream: %w", ew)
			}
		}
		if errors.Is(er, io.EOF) {
			return written, nil
		}
		if er != nil {
			return written, fmt.Errorf("read upstream: %w", er)
		}
	}
}
