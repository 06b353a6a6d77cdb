package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"sendfile-worker/internal/model"
)

// ErrWorkerGone is returned when the worker closed its side of the channel
// before answering.
var ErrWorkerGone = errors.New("worker closed the channel")

// ErrMismatchedReply is returned when the worker answers with an ID other
// than the one of the request in flight. The channel is unusable afterwards.
var ErrMismatchedReply = errors.New("reply does not match request")

// WorkerError is an error report the worker sent instead of a response.
type WorkerError struct {
	ID  string
	Msg string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error for request %s: %s", e.ID, e.Msg)
}

// Client is the gateway side of the channel. Calls are serialised: the next
// request is written only after the previous reply has been read, which is
// also what the worker loop expects.
type Client struct {
	// sem is held from writing a request until its reply has been consumed,
	// even when the caller stopped waiting.
	sem    chan struct{}
	r      *bufio.Reader
	w      *bufio.Writer
	closer io.Closer

	err error // sticky; guarded by sem
}

// NewClient returns a Client writing requests to w and reading replies from r.
// Close closes w, which the worker observes as end-of-stream.
func NewClient(r io.Reader, w io.WriteCloser) *Client {
	return &Client{
		sem:    make(chan struct{}, 1),
		r:      bufio.NewReader(r),
		w:      bufio.NewWriter(w),
		closer: w,
	}
}

type reply struct {
	frame *responseFrame
	err   error
}

// Do sends req to the worker and waits for its answer. A request without an
// ID gets a fresh one. An error report from the worker is returned as a
// *WorkerError. If ctx ends first, Do returns ctx.Err() and the reply is
// read and discarded in the background.
func (c *Client) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	f := fromRequest(req)
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	line, err := encodeFrame(f)
	if err != nil {
		return nil, err
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c.err != nil {
		err := c.err
		<-c.sem
		return nil, err
	}
	if err := writeFrame(c.w, line); err != nil {
		c.err = err
		<-c.sem
		return nil, err
	}

	done := make(chan reply, 1)
	go func() {
		rf, err := c.readReply(f.ID)
		if err != nil {
			c.err = err
		}
		<-c.sem
		done <- reply{frame: rf, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return toResponse(r.frame)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readReply(id string) (*responseFrame, error) {
	line, err := readLine(c.r)
	if errors.Is(err, io.EOF) {
		return nil, ErrWorkerGone
	}
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	var f responseFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, &FrameError{Err: err}
	}
	// An empty ID is the worker's answer to a frame it could not decode.
	if f.ID != id && f.ID != "" {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrMismatchedReply, f.ID, id)
	}
	if f.ID == "" {
		f.ID = id
	}
	return &f, nil
}

func toResponse(f *responseFrame) (*model.Response, error) {
	if f.Error != "" {
		return nil, &WorkerError{ID: f.ID, Msg: f.Error}
	}
	resp := &model.Response{
		StatusCode: f.Status,
		Header:     canonical(f.Headers),
	}
	if len(f.Body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(f.Body))
	}
	return resp, nil
}

// Close closes the request side of the channel.
func (c *Client) Close() error {
	return c.closer.Close()
}
