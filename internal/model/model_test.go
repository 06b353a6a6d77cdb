package model

import (
	"errors"
	"io"
	"strings"
	"testing"
)

type countingCloser struct {
	io.Reader
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func TestResponse_CloseIsIdempotent(t *testing.T) {
	body := &countingCloser{Reader: strings.NewReader("data")}
	resp := NewResponse(200)
	resp.Body = body

	if err := resp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := resp.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if body.closed != 1 {
		t.Errorf("body closed %d times, want 1", body.closed)
	}
}

func TestResponse_CloseNil(t *testing.T) {
	var resp *Response
	if err := resp.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := NewResponse(404).Close(); err != nil {
		t.Errorf("bodyless Close() error = %v", err)
	}
}

func TestResponse_Directive(t *testing.T) {
	resp := NewResponse(200)
	if got := resp.Directive(); got != "" {
		t.Errorf("Directive() = %q, want empty", got)
	}

	resp.Header.Set("x-sendremotefile", "http://127.0.0.1/file")
	if got := resp.Directive(); got != "http://127.0.0.1/file" {
		t.Errorf("Directive() = %q, want %q", got, "http://127.0.0.1/file")
	}

	if got := (&Response{}).Directive(); got != "" {
		t.Errorf("Directive() on nil header = %q, want empty", got)
	}
}

func TestResult_OK(t *testing.T) {
	if !(Result{Response: NewResponse(200)}).OK() {
		t.Error("expected OK for response result")
	}
	if (Result{Err: errors.New("boom")}).OK() {
		t.Error("expected not OK for error result")
	}
	if (Result{}).OK() {
		t.Error("expected not OK for empty result")
	}
}
