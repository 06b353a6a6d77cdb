// Package transport carries requests and responses between the gateway and
// the worker as newline-delimited JSON frames over a duplex byte stream.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"sendfile-worker/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxFrameBytes bounds a single frame line.
const maxFrameBytes = 64 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame line exceeds maxFrameBytes.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// requestFrame is the wire form of model.Request.
type requestFrame struct {
	ID      string              `json:"id"`
	Method  string              `json:"method,omitempty"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// responseFrame is the wire form of a response or an error report.
type responseFrame struct {
	ID      string              `json:"id"`
	Status  int                 `json:"status,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// FrameError reports a frame line that could not be decoded. The stream is
// still usable: the offending line has been consumed.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// readLine returns the next non-blank line without its terminator.
// It returns io.EOF only when the stream ends with no pending data.
func readLine(r *bufio.Reader) ([]byte, error) {
	for {
		line, err := readLimited(r)
		if errors.Is(err, ErrFrameTooLarge) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLimited reads through the next newline. An oversized line is drained
// so the following frame stays aligned.
func readLimited(r *bufio.Reader) ([]byte, error) {
	var (
		buf      []byte
		tooLarge bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLarge && len(buf)+len(chunk) > maxFrameBytes {
			tooLarge = true
			buf = nil
		}
		if !tooLarge {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLarge && (err == nil || errors.Is(err, io.EOF)) {
			return nil, ErrFrameTooLarge
		}
		return buf, err
	}
}

// encodeFrame encodes v as one newline-terminated line.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// writeFrame writes one encoded line and flushes it.
func writeFrame(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

func toRequest(f *requestFrame) *model.Request {
	return &model.Request{
		ID:     f.ID,
		Method: f.Method,
		Path:   f.Path,
		Query:  f.Query,
		Header: canonical(f.Headers),
		Body:   f.Body,
	}
}

func fromRequest(r *model.Request) *requestFrame {
	return &requestFrame{
		ID:      r.ID,
		Method:  r.Method,
		Path:    r.Path,
		Query:   r.Query,
		Headers: r.Header,
		Body:    r.Body,
	}
}

// canonical rebuilds a header map with canonical keys, so lookups stay
// case-insensitive whatever casing the peer used.
func canonical(src map[string][]string) http.Header {
	dst := make(http.Header, len(src))
	for k, vals := range src {
		key := http.CanonicalHeaderKey(k)
		dst[key] = append(dst[key], vals...)
	}
	return dst
}
