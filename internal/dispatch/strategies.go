package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"sendfile-worker/internal/config"
	"sendfile-worker/internal/model"
)

// Strategy builds the response for one route. It ignores request content:
// each strategy exercises one code path in the sendfile consumer.
type Strategy func(req *model.Request) (*model.Response, error)

// Strategies holds the values the response strategies emit.
type Strategies struct {
	LocalTarget    string
	RemoteBaseURL  string
	AttachmentName string
	InlineFile     string
	Pause          time.Duration

	open  func(name string) (io.ReadCloser, error)
	sleep func(time.Duration)
}

// NewStrategies builds Strategies from the worker config.
func NewStrategies(cfg *config.Config) *Strategies {
	return &Strategies{
		LocalTarget:    cfg.Worker.LocalTarget,
		RemoteBaseURL:  strings.TrimRight(cfg.Worker.RemoteBaseURL, "/"),
		AttachmentName: cfg.Worker.AttachmentName,
		InlineFile:     cfg.Worker.InlineFile,
		Pause:          time.Duration(cfg.Worker.PauseMillis) * time.Millisecond,
	}
}

func (s *Strategies) openFile(name string) (io.ReadCloser, error) {
	if s.open != nil {
		return s.open(name)
	}
	return os.Open(name)
}

func (s *Strategies) pause(d time.Duration) {
	if s.sleep != nil {
		s.sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Strategies) remote(name string) string {
	return s.RemoteBaseURL + "/" + name
}

// LocalSendfile delegates delivery of a local file. The target is emitted
// verbatim, upward traversal included.
func (s *Strategies) LocalSendfile(*model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusOK)
	resp.Header.Set(model.HeaderSendfile, s.LocalTarget)
	return resp, nil
}

// RemoteSendfile delegates delivery of the auxiliary server's file and forces
// a download under AttachmentName.
func (s *Strategies) RemoteSendfile(*model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusOK)
	resp.Header.Set(model.HeaderSendfile, s.remote("file"))
	resp.Header.Set("Content-Disposition", "attachment; filename="+s.AttachmentName)
	return resp, nil
}

// RemoteSendfileMissing points the consumer at a resource the auxiliary
// server answers with 404.
func (s *Strategies) RemoteSendfileMissing(*model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusOK)
	resp.Header.Set(model.HeaderSendfile, s.remote("file-missing"))
	return resp, nil
}

// RemoteSendfileSlow points the consumer at a resource the auxiliary server
// stalls on.
func (s *Strategies) RemoteSendfileSlow(*model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusOK)
	resp.Header.Set(model.HeaderSendfile, s.remote("file-timeout"))
	return resp, nil
}

// InlineStream answers with InlineFile as a text/plain body. The opened file
// is owned by the returned Response.
func (s *Strategies) InlineStream(*model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusOK)
	resp.Header.Set("Content-Type", "text/plain")
	f, err := s.openFile(s.InlineFile)
	if err != nil {
		return nil, fmt.Errorf("open inline file: %w", err)
	}
	resp.Body = f
	return resp, nil
}

// DelayedInlineStream blocks for Pause, then behaves like InlineStream.
// The pause is not cancellable.
func (s *Strategies) DelayedInlineStream(req *model.Request) (*model.Response, error) {
	s.pause(s.Pause)
	return s.InlineStream(req)
}

// NotFound answers 404 with no headers and no body.
func (s *Strategies) NotFound(*model.Request) (*model.Response, error) {
	return model.NewResponse(http.StatusNotFound), nil
}
