package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sendfile-worker/internal/config"
	"sendfile-worker/internal/model"
)

const composer = `{"name": "roadrunner/sendfile-fixture"}`

// newTestStrategies returns the default fixture strategies with the inline
// file pointing at a temp copy and a short pause.
func newTestStrategies(t *testing.T) *Strategies {
	t.Helper()
	path := filepath.Join(t.TempDir(), "composer.json")
	if err := os.WriteFile(path, []byte(composer), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStrategies(&config.Config{Worker: config.WorkerConfig{
		LocalTarget:    "/../sample/2k24.mp4",
		RemoteBaseURL:  "http://127.0.0.1:18953/",
		AttachmentName: "composer.json",
		InlineFile:     path,
		PauseMillis:    30,
	}})
	return s
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Strategies) {
	t.Helper()
	s := newTestStrategies(t)
	return NewDispatcher(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func dispatchOK(t *testing.T, d *Dispatcher, path string) (model.Result, *model.Response) {
	t.Helper()
	res := d.Dispatch(&model.Request{Path: path})
	if res.Err != nil {
		t.Fatalf("Dispatch(%q) error = %v", path, res.Err)
	}
	t.Cleanup(func() { _ = res.Response.Close() })
	return res, res.Response
}

func TestDispatch_LocalFile(t *testing.T) {
	d, _ := newTestDispatcher(t)
	res, resp := dispatchOK(t, d, "/local-file")

	if res.Route != RouteLocalSendfile {
		t.Errorf("route = %q, want %q", res.Route, RouteLocalSendfile)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	target := resp.Header.Get("X-Sendremotefile")
	if !strings.HasSuffix(target, "2k24.mp4") {
		t.Errorf("X-Sendremotefile = %q, want suffix 2k24.mp4", target)
	}
	if !strings.Contains(target, "..") {
		t.Errorf("X-Sendremotefile = %q, want an upward segment", target)
	}
	if resp.Body != nil {
		t.Error("expected no body")
	}
}

func TestDispatch_RemoteFile(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, resp := dispatchOK(t, d, "/remote-file")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("X-Sendremotefile"); got != "http://127.0.0.1:18953/file" {
		t.Errorf("X-Sendremotefile = %q, want %q", got, "http://127.0.0.1:18953/file")
	}
	if got := resp.Header.Get("Content-Disposition"); got != "attachment; filename=composer.json" {
		t.Errorf("Content-Disposition = %q, want %q", got, "attachment; filename=composer.json")
	}
	if resp.Body != nil {
		t.Error("expected no body")
	}
}

func TestDispatch_RemoteTargets(t *testing.T) {
	tests := []struct {
		path  string
		route string
		want  string
	}{
		{"/remote-file-not-found", RouteRemoteSendfileMissing, "http://127.0.0.1:18953/file-missing"},
		{"/remote-file-timeout", RouteRemoteSendfileSlow, "http://127.0.0.1:18953/file-timeout"},
	}
	d, _ := newTestDispatcher(t)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res, resp := dispatchOK(t, d, tt.path)
			if res.Route != tt.route {
				t.Errorf("route = %q, want %q", res.Route, tt.route)
			}
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if got := resp.Header.Get("X-Sendremotefile"); got != tt.want {
				t.Errorf("X-Sendremotefile = %q, want %q", got, tt.want)
			}
			if resp.Header.Get("Content-Disposition") != "" {
				t.Error("Content-Disposition should only be set on the attachment route")
			}
		})
	}
}

func TestDispatch_InlineFile(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, resp := dispatchOK(t, d, "/file")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", got, "text/plain")
	}
	if resp.Body == nil {
		t.Fatal("expected a body")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != composer {
		t.Errorf("body = %q, want %q", body, composer)
	}
}

func TestDispatch_DelayedInlineFileBlocks(t *testing.T) {
	d, s := newTestDispatcher(t)

	start := time.Now()
	_, resp := dispatchOK(t, d, "/file-timeout")
	elapsed := time.Since(start)

	if elapsed < s.Pause {
		t.Errorf("dispatch took %v, want at least %v", elapsed, s.Pause)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want %q", got, "text/plain")
	}
	if resp.Body == nil {
		t.Error("expected a body")
	}
}

func TestDispatch_DelayedUsesConfiguredPause(t *testing.T) {
	d, s := newTestDispatcher(t)
	s.Pause = 5500 * time.Millisecond
	var slept time.Duration
	s.sleep = func(d time.Duration) { slept = d }

	dispatchOK(t, d, "/file-timeout")
	if slept != 5500*time.Millisecond {
		t.Errorf("slept %v, want 5.5s", slept)
	}
}

func TestDispatch_UnknownPaths(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for _, path := range []string{"/nonexistent", "", "/", "/file/", "/FILE", "/local-file/", "file", "/file?x=1", "/remote-file-not-found/x"} {
		t.Run(path, func(t *testing.T) {
			res, resp := dispatchOK(t, d, path)
			if res.Route != RouteNotFound {
				t.Errorf("route = %q, want %q", res.Route, RouteNotFound)
			}
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
			}
			if len(resp.Header) != 0 {
				t.Errorf("headers = %v, want none", resp.Header)
			}
			if resp.Body != nil {
				t.Error("expected no body")
			}
		})
	}
}

func TestDispatch_Deterministic(t *testing.T) {
	d, _ := newTestDispatcher(t)
	for _, path := range d.Routes() {
		t.Run(path, func(t *testing.T) {
			first := d.Dispatch(&model.Request{Path: path})
			second := d.Dispatch(&model.Request{Path: path, Method: "POST", Body: []byte("ignored")})
			defer first.Response.Close()
			defer second.Response.Close()

			if first.Err != nil || second.Err != nil {
				t.Fatalf("errors: %v, %v", first.Err, second.Err)
			}
			if first.Response.StatusCode != second.Response.StatusCode {
				t.Errorf("status %d != %d", first.Response.StatusCode, second.Response.StatusCode)
			}
			if len(first.Response.Header) != len(second.Response.Header) {
				t.Errorf("header sets differ: %v vs %v", first.Response.Header, second.Response.Header)
			}
			for k := range first.Response.Header {
				if first.Response.Header.Get(k) != second.Response.Header.Get(k) {
					t.Errorf("header %s differs", k)
				}
			}
			if (first.Response.Body == nil) != (second.Response.Body == nil) {
				t.Error("body presence differs")
			}
		})
	}
}

func TestDispatch_MissingInlineFileIsFault(t *testing.T) {
	d, s := newTestDispatcher(t)
	s.InlineFile = filepath.Join(t.TempDir(), "missing.json")

	res := d.Dispatch(&model.Request{Path: "/file"})
	if res.Err == nil {
		t.Fatal("expected dispatch fault for unreadable inline file")
	}
	if !errors.Is(res.Err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", res.Err)
	}
	if res.Response != nil {
		t.Error("fault result must not carry a response")
	}
	if res.Route != RouteInlineStream {
		t.Errorf("route = %q, want %q", res.Route, RouteInlineStream)
	}
}

func TestDispatch_PanicIsContained(t *testing.T) {
	d, s := newTestDispatcher(t)
	s.open = func(string) (io.ReadCloser, error) { panic("descriptor table exhausted") }

	res := d.Dispatch(&model.Request{Path: "/file"})
	if res.Err == nil {
		t.Fatal("expected panic to become an error")
	}
	if !strings.Contains(res.Err.Error(), "descriptor table exhausted") {
		t.Errorf("err = %v, want panic value in message", res.Err)
	}
	if res.Response != nil {
		t.Error("fault result must not carry a response")
	}
}

func TestDispatch_PanicBeforeOpenHoldsNoFile(t *testing.T) {
	d, s := newTestDispatcher(t)
	opened := 0
	s.open = func(string) (io.ReadCloser, error) {
		opened++
		return io.NopCloser(strings.NewReader("x")), nil
	}
	s.sleep = func(time.Duration) { panic("clock gone") }

	res := d.Dispatch(&model.Request{Path: "/file-timeout"})
	if res.Err == nil || res.Response != nil {
		t.Fatalf("result = %+v, want a fault without response", res)
	}
	if opened != 0 {
		t.Errorf("inline file opened %d times before the panic, want 0", opened)
	}
}

func TestDispatch_NilResponseIsFault(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.table["/empty"] = route{"empty", func(*model.Request) (*model.Response, error) { return nil, nil }}

	res := d.Dispatch(&model.Request{Path: "/empty"})
	if !errors.Is(res.Err, errNoResponse) {
		t.Errorf("err = %v, want errNoResponse", res.Err)
	}
}

func TestRoutes(t *testing.T) {
	d, _ := newTestDispatcher(t)
	want := []string{"/file", "/file-timeout", "/local-file", "/remote-file", "/remote-file-not-found", "/remote-file-timeout"}
	got := d.Routes()
	if len(got) != len(want) {
		t.Fatalf("Routes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Routes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
