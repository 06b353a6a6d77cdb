package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/natefinch/lumberjack.v2"

	"sendfile-worker/internal/client"
	"sendfile-worker/internal/config"
	"sendfile-worker/internal/dispatch"
	"sendfile-worker/internal/handler"
	"sendfile-worker/internal/metrics"
	"sendfile-worker/internal/middleware"
	"sendfile-worker/internal/service"
	"sendfile-worker/internal/transport"
	"sendfile-worker/internal/worker"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// listenAddr is the address an HTTP command binds to.
type listenAddr string

// logOutput is where the process writes its logs.
type logOutput io.Writer

func main() {
	var cli config.CLI
	ctx := kong.Parse(&cli,
		kong.Name("sendfile-worker"),
		kong.Description("Request-driven file delivery worker with a sendfile-aware gateway."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	common := fx.Options(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
		),
		fx.Invoke(warnConfigPermissions),
	)

	var app *fx.App
	switch ctx.Command() {
	case "serve":
		app = fx.New(common,
			fx.Provide(
				newLogOutput,
				metrics.New,
				newWorkerProcess,
				func(p *transport.Process) handler.Relay { return p },
				func(p *transport.Process) handler.WorkerInfo { return p },
				func(cfg *config.Config) listenAddr { return listenAddr(cfg.Server.Addr()) },
				newEcho,
				client.NewRemoteClient,
				service.NewSendfileService,
				handler.NewGatewayHandler,
				handler.NewHealthHandler,
			),
			fx.Invoke(handler.RegisterGatewayRoutes, startServer),
		)
	case "fileserver":
		app = fx.New(common,
			fx.Provide(
				newLogOutput,
				metrics.New,
				func() handler.WorkerInfo { return nil },
				func(cfg *config.Config) listenAddr { return listenAddr(cfg.FileServer.Addr()) },
				newEcho,
				handler.NewFileServerHandler,
				handler.NewHealthHandler,
			),
			fx.Invoke(handler.RegisterFileServerRoutes, startServer),
		)
	default:
		app = fx.New(common,
			// stdout carries the channel and the gateway forwards stderr
			// into its own log output.
			fx.Provide(
				func() logOutput { return os.Stderr },
				metrics.New,
				dispatch.NewStrategies,
				dispatch.NewDispatcher,
				newLoop,
			),
			fx.Invoke(startWorker, startWorkerMetrics),
		)
	}
	app.Run()
}

// newLogOutput returns a rotating log file when log.file is set and stderr
// otherwise. stdout is never used: the worker's stdout is its channel.
func newLogOutput(cfg *config.Config) logOutput {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
}

func newLogger(cfg *config.Config, out logOutput) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h).With("pid", os.Getpid())
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled so long delegated streams are not cut off;
	// the remote client's per-read timeout bounds stalls instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if rl := middleware.RateLimiter(cfg.Server.RateLimit, logger); rl != nil {
		e.Use(rl)
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, addr listenAddr, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", string(addr))
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", string(addr))
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

// workerCommand returns the command the gateway runs as its worker: the
// configured gateway.worker_command, or this binary's worker subcommand.
func workerCommand(cfg *config.Config) (*exec.Cmd, error) {
	if len(cfg.Gateway.WorkerCommand) > 0 {
		return exec.Command(cfg.Gateway.WorkerCommand[0], cfg.Gateway.WorkerCommand[1:]...), nil //nolint:gosec // operator-configured command
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	args := []string{"worker", "--log-level", cfg.Log.Level}
	if cfg.Path() != "" {
		args = append(args, "--config", cfg.Path())
	}
	return exec.Command(self, args...), nil //nolint:gosec // re-executes this binary
}

func newWorkerProcess(lc fx.Lifecycle, cfg *config.Config, out logOutput, logger *slog.Logger) (*transport.Process, error) {
	cmd, err := workerCommand(cfg)
	if err != nil {
		return nil, err
	}
	cmd.Stderr = out

	p, err := transport.StartProcess(cmd)
	if err != nil {
		return nil, err
	}
	logger.Info("worker started", "pid", p.Pid(), "command", cmd.Args)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping worker", "pid", p.Pid())
			return p.Stop(ctx)
		},
	})
	return p, nil
}

func newLoop(cfg *config.Config, d *dispatch.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *worker.Loop {
	logger.Info("worker configured",
		"remote_base_url", cfg.Worker.RemoteBaseURL,
		"inline_file", cfg.Worker.InlineFile,
		"pause_ms", cfg.Worker.PauseMillis,
	)
	return worker.New(transport.NewConn(os.Stdin, os.Stdout), d, logger, m)
}

// startWorkerMetrics serves the worker loop's collectors on
// metrics.worker_listen. A failed bind is logged and the worker keeps
// serving its channel.
func startWorkerMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled || cfg.Metrics.WorkerListen == "" {
		return
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	handler.RegisterWorkerRoutes(e, cfg, m)

	addr := cfg.Metrics.WorkerListen
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				logger.Warn("worker metrics disabled", "addr", addr, "err", err)
				return nil
			}
			logger.Info("serving worker metrics", "addr", addr, "path", cfg.Metrics.Path)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("worker metrics server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

// startWorker runs the loop until end-of-stream, then shuts the app down.
func startWorker(lc fx.Lifecycle, sd fx.Shutdowner, loop *worker.Loop, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				code := 0
				if err := loop.Run(ctx); err != nil {
					logger.Error("worker loop failed", "err", err)
					code = 1
				}
				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Error("shutdown", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
