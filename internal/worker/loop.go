// Package worker runs the receive, dispatch and respond loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"sendfile-worker/internal/metrics"
	"sendfile-worker/internal/model"
	"sendfile-worker/internal/transport"
)

// Channel is the worker side of the transport.
type Channel interface {
	Receive() (*model.Request, error)
	SendResponse(resp *model.Response) error
	SendError(msg string) error
}

// Dispatcher turns a request into a Result.
type Dispatcher interface {
	Dispatch(req *model.Request) model.Result
}

// Loop answers requests one at a time until the channel reaches end-of-stream.
type Loop struct {
	ch      Channel
	d       Dispatcher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Loop. The metrics parameter is optional; pass nil to disable
// recording.
func New(ch Channel, d Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Loop {
	return &Loop{
		ch:      ch,
		d:       d,
		logger:  logger.With("component", "worker_loop"),
		metrics: m,
	}
}

// Run serves requests until the channel signals end-of-stream, which returns
// nil. Failures while building or sending a response are reported on the
// channel and never end the loop. Run returns an error only when the channel
// can no longer be read.
//
// Cancelling ctx also stops the loop with nil. It is meant for process
// shutdown only and is checked between requests, so a request in progress
// always runs to completion and a blocked Receive is not interrupted.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started")
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			l.logger.Info("worker loop stopped", "handled", handled, "reason", err)
			return nil
		}

		req, err := l.ch.Receive()
		if errors.Is(err, io.EOF) {
			l.logger.Info("end of stream, worker loop finished", "handled", handled)
			return nil
		}
		var fe *transport.FrameError
		if errors.As(err, &fe) {
			l.logger.Warn("malformed request frame", "err", fe)
			l.report("", fe.Error())
			continue
		}
		if err != nil {
			return fmt.Errorf("receive request: %w", err)
		}

		l.Handle(req)
		handled++
	}
}

// Handle produces exactly one answer for req: its response, or an error
// report when the response could not be built or sent. The response body is
// released on every path.
func (l *Loop) Handle(req *model.Request) {
	start := time.Now()
	res := l.d.Dispatch(req)
	defer func() { _ = res.Response.Close() }()

	outcome := metrics.OutcomeResponse
	switch {
	case res.Err != nil:
		outcome = metrics.OutcomeError
		l.logger.Error("dispatch failed",
			"id", req.ID,
			"path", req.Path,
			"route", res.Route,
			"err", res.Err,
		)
		l.report(req.ID, res.Err.Error())
	default:
		if err := l.ch.SendResponse(res.Response); err != nil {
			outcome = metrics.OutcomeSendFail
			l.logger.Error("send response failed",
				"id", req.ID,
				"path", req.Path,
				"route", res.Route,
				"err", err,
			)
			l.report(req.ID, fmt.Sprintf("send response: %v", err))
		}
	}

	duration := time.Since(start)
	if l.metrics != nil {
		l.metrics.WorkerRequests.WithLabelValues(res.Route, outcome).Inc()
		l.metrics.WorkerDuration.WithLabelValues(res.Route).Observe(duration.Seconds())
	}
	l.logger.Debug("request handled",
		"id", req.ID,
		"path", req.Path,
		"route", res.Route,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
	)
}

func (l *Loop) report(id, msg string) {
	if err := l.ch.SendError(msg); err != nil {
		l.logger.Error("send error report failed", "id", id, "err", err)
	}
}
