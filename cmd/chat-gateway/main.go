package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"chat-gateway-go/internal/client"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/function"
	"chat-gateway-go/internal/handler"
	"chat-gateway-go/internal/logging"
	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/middleware"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/server"
	"chat-gateway-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("chat-gateway"),
		kong.Description("OpenAI-compatible chat completions gateway."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	cli.Mode = config.ModeFor(kctx.Command())

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Provider))),
			service.NewChatService,
			handler.NewChatHandler,
			handler.NewHealthHandler,
			newRouter,
			newChain,
		),
		fx.Invoke(warnConfigPermissions),
		runtime(cli.Mode),
	).Run()
}

// runtime selects the adapter for mode.
func runtime(mode config.Mode) fx.Option {
	if mode == config.ModeFunction {
		return fx.Options(
			fx.Provide(function.New),
			fx.Invoke(runInvocation),
		)
	}
	return fx.Options(
		fx.Provide(server.New),
		fx.Invoke(startJanitor, startServer),
	)
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	logger, sink, err := logging.New(cfg, logging.Console(cfg.Mode))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sink.Close()
		},
	})
	return logger, nil
}

func newRouter(cfg *config.Config, chat *handler.ChatHandler, health *handler.HealthHandler, logger *slog.Logger) (*pipeline.Router, error) {
	r := pipeline.NewRouter(pipeline.RouterConfig{
		Prefix:     cfg.Server.URLPrefix,
		RequestLog: cfg.System.RequestLog,
		Expected:   handler.CompletionsRoute,
	}, logger)
	if err := r.Attach(handler.Routes(chat, health)...); err != nil {
		return nil, err
	}
	return r, nil
}

// newChain assembles the stage order shared by both adapters. The barrier
// sits outside body decoding so decode failures also end as failure bodies.
func newChain(cfg *config.Config, r *pipeline.Router, m *metrics.Metrics, logger *slog.Logger) *pipeline.Chain {
	return pipeline.NewChain(r.Dispatch, logger,
		pipeline.CORS(pipeline.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
			MaxAge:         time.Duration(cfg.CORS.MaxAgeSeconds) * time.Second,
		}),
		middleware.SecurityHeaders(),
		middleware.Metrics(m, cfg.Server.URLPrefix),
		pipeline.Barrier(logger),
		pipeline.DecodeBody(logger),
	)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startJanitor(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) {
	j := logging.NewJanitor(cfg.Log, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := j.Start(); err != nil {
				return err
			}
			if _, err := j.Prune(); err != nil {
				logger.Warn("initial log pruning failed", "err", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			j.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, s *server.Server) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Shutdown,
	})
}

// runInvocation handles one event and then stops the app.
func runInvocation(lc fx.Lifecycle, sd fx.Shutdowner, a *function.Adapter, cli *config.CLI, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := 0
				if err := invoke(ctx, a, cli.Invoke.Event, os.Stdin, os.Stdout); err != nil {
					logger.Error("invocation failed", "err", err)
					code = 1
				}
				if err := sd.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Error("shutdown failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// invoke always writes a reply; an unreadable event becomes a generic 500.
func invoke(ctx context.Context, a *function.Adapter, eventPath string, stdin io.Reader, stdout io.Writer) error {
	var (
		data    []byte
		readErr error
	)
	if eventPath != "" {
		data, readErr = os.ReadFile(eventPath)
	} else {
		data, readErr = io.ReadAll(stdin)
	}
	if readErr != nil {
		readErr = fmt.Errorf("read event: %w", readErr)
		data = nil
	}

	if _, err := a.InvokeJSON(ctx, data).WriteTo(stdout); err != nil {
		return errors.Join(readErr, fmt.Errorf("write reply: %w", err))
	}
	return readErr
}
