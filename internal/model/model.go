// Package model defines the request and response values exchanged between
// the gateway, the relay channel and the worker.
package model

import (
	"io"
	"net/http"
)

// HeaderSendfile carries the sendfile directive: a local path or an absolute
// URL the consumer substitutes for the response body.
const HeaderSendfile = "X-Sendremotefile"

// Request is a request received over the relay channel.
type Request struct {
	ID     string
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Response is a response produced by the worker or returned by the relay.
// It owns Body: whoever holds the Response must call Close once done with it,
// whether or not the body was read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// NewResponse returns a Response with the given status and an empty header map.
func NewResponse(status int) *Response {
	return &Response{
		StatusCode: status,
		Header:     make(http.Header),
	}
}

// Close releases the body. It is safe to call on a nil body and more than once.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	body := r.Body
	r.Body = nil
	return body.Close()
}

// Directive returns the sendfile target, if any.
func (r *Response) Directive() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(HeaderSendfile)
}

// Result is the outcome of dispatching one request: either a Response or an
// error to be reported back instead. Route names the strategy that ran.
type Result struct {
	Route    string
	Response *Response
	Err      error
}

// OK reports whether the result carries a response.
func (r Result) OK() bool {
	return r.Err == nil && r.Response != nil
}
