// Package dispatch maps request paths to response strategies.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"

	"sendfile-worker/internal/model"
)

// Route names, used in logs and metric labels.
const (
	RouteLocalSendfile         = "local_sendfile"
	RouteRemoteSendfile        = "remote_sendfile"
	RouteRemoteSendfileMissing = "remote_sendfile_missing"
	RouteRemoteSendfileSlow    = "remote_sendfile_slow"
	RouteInlineStream          = "inline_stream"
	RouteDelayedInlineStream   = "delayed_inline_stream"
	RouteNotFound              = "not_found"
)

// errNoResponse is reported when a strategy returns neither response nor error.
var errNoResponse = errors.New("strategy returned no response")

type route struct {
	name     string
	strategy Strategy
}

// Table maps exact request paths to routes.
type Table map[string]route

// NewTable returns the fixed path table served by the worker.
func NewTable(s *Strategies) Table {
	return Table{
		"/local-file":            {RouteLocalSendfile, s.LocalSendfile},
		"/remote-file":           {RouteRemoteSendfile, s.RemoteSendfile},
		"/remote-file-not-found": {RouteRemoteSendfileMissing, s.RemoteSendfileMissing},
		"/remote-file-timeout":   {RouteRemoteSendfileSlow, s.RemoteSendfileSlow},
		"/file":                  {RouteInlineStream, s.InlineStream},
		"/file-timeout":          {RouteDelayedInlineStream, s.DelayedInlineStream},
	}
}

// Dispatcher resolves a request to exactly one Result.
type Dispatcher struct {
	table    Table
	notFound route
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher serving the fixed path table.
func NewDispatcher(s *Strategies, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		table:    NewTable(s),
		notFound: route{RouteNotFound, s.NotFound},
		logger:   logger.With("component", "dispatcher"),
	}
}

// Lookup returns the route name and strategy for path. Matching is exact and
// case-sensitive; anything not in the table resolves to not_found.
func (d *Dispatcher) Lookup(path string) (string, Strategy) {
	if r, ok := d.table[path]; ok {
		return r.name, r.strategy
	}
	return d.notFound.name, d.notFound.strategy
}

// Routes returns the paths in the table, sorted.
func (d *Dispatcher) Routes() []string {
	paths := make([]string, 0, len(d.table))
	for p := range d.table {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dispatch runs the strategy for req.Path. A strategy error or panic becomes
// Result.Err; it never escapes.
func (d *Dispatcher) Dispatch(req *model.Request) (res model.Result) {
	name, strategy := d.Lookup(req.Path)
	res.Route = name

	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("strategy panicked",
				"route", name,
				"panic", v,
				"stack", string(debug.Stack()),
			)
			// Only a returned Response is released here; strategies open
			// their body as the last step so nothing can panic while it is held.
			_ = res.Response.Close()
			res.Response = nil
			res.Err = fmt.Errorf("%s: panic: %v", name, v)
		}
	}()

	resp, err := strategy(req)
	switch {
	case err != nil:
		_ = resp.Close()
		res.Err = fmt.Errorf("%s: %w", name, err)
	case resp == nil:
		res.Err = fmt.Errorf("%s: %w", name, errNoResponse)
	default:
		res.Response = resp
	}
	return res
}
