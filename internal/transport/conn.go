package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"sendfile-worker/internal/model"
)

// ErrNoPendingRequest is returned when an answer is sent without a request
// waiting for one. Each received request is answered exactly once.
var ErrNoPendingRequest = errors.New("no request awaiting an answer")

// Conn is the worker side of the channel: it reads requests and writes one
// answer, a response or an error report, for each of them.
// A Conn is not safe for concurrent use.
type Conn struct {
	r   *bufio.Reader
	w   *bufio.Writer
	out io.Writer

	pending bool
	id      string
	// failed is set when the last answer could not be written. The request
	// may then be abandoned by the next Receive.
	failed bool
	// torn is set while a partial line may be on the wire; the next frame
	// starts with a newline so the peer skips the fragment.
	torn bool
}

// NewConn returns a Conn reading requests from r and writing answers to w.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		r:   bufio.NewReader(r),
		w:   bufio.NewWriter(w),
		out: w,
	}
}

// Receive blocks until the next request arrives. It returns io.EOF once the
// peer has closed its side and no further requests will arrive, and a
// *FrameError for a line that could not be decoded. A FrameError still
// expects an answer, reported with an empty ID. A request whose answer
// failed to write is dropped here; one that was never answered is an error.
func (c *Conn) Receive() (*model.Request, error) {
	if c.pending && !c.failed {
		return nil, fmt.Errorf("receive: request %q not answered yet", c.id)
	}
	c.pending = false
	c.failed = false
	c.id = ""

	line, err := readLine(c.r)
	if errors.Is(err, ErrFrameTooLarge) {
		c.expect("")
		return nil, &FrameError{Err: err}
	}
	if err != nil {
		return nil, err
	}

	var f requestFrame
	if err := json.Unmarshal(line, &f); err != nil {
		c.expect("")
		return nil, &FrameError{Err: err}
	}

	c.expect(f.ID)
	return toRequest(&f), nil
}

func (c *Conn) expect(id string) {
	c.pending = true
	c.id = id
}

// SendResponse writes resp as the answer to the pending request. It takes
// ownership of resp.Body: the body is read to the end and closed on every
// path, including failures. If the body cannot be read, or the frame cannot
// be written, the request is still pending so an error report can follow.
func (c *Conn) SendResponse(resp *model.Response) error {
	defer func() { _ = resp.Close() }()

	if err := c.ready(); err != nil {
		return err
	}

	f := &responseFrame{
		ID:      c.id,
		Status:  resp.StatusCode,
		Headers: resp.Header,
	}
	if resp.Body != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		f.Body = body
	}

	return c.write(f)
}

// SendError writes an error report as the answer to the pending request.
func (c *Conn) SendError(msg string) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.write(&responseFrame{ID: c.id, Error: msg})
}

func (c *Conn) ready() error {
	if !c.pending {
		return ErrNoPendingRequest
	}
	return nil
}

func (c *Conn) write(f *responseFrame) error {
	line, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if c.torn {
		line = append([]byte{'\n'}, line...)
	}
	if err := writeFrame(c.w, line); err != nil {
		// Drop the buffered frame and its sticky error so later answers
		// can still be written.
		c.w.Reset(c.out)
		c.torn = true
		c.failed = true
		return err
	}
	c.torn = false
	c.pending = false
	c.failed = false
	c.id = ""
	return nil
}
