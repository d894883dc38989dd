// Package server is the persistent runtime adapter: an Echo HTTP server that
// translates every native request into a pipeline.Inbound, runs the chain,
// and writes the canonical response back, relaying event streams frame by
// frame.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/middleware"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/stream"
)

// Server owns the Echo instance and its listeners.
type Server struct {
	echo   *echo.Echo
	chain  *pipeline.Chain
	cfg    *config.Config
	logger *slog.Logger
}

// New builds the Echo instance: transport middleware, the metrics endpoint
// when enabled, and a catch-all route into chain.
func New(cfg *config.Config, chain *pipeline.Chain, m *metrics.Metrics, logger *slog.Logger) *Server {
	logger = logger.With("component", "server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0 so long event streams are not cut off; the
	// upstream timeout bounds non-streaming work.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ErrorLog = log.New(&errorLogWriter{logger: logger}, "", 0)

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if werr := middleware.WriteFailure(c, fromEcho(err)); werr != nil {
			logger.Debug("failed to write error response", "err", werr)
		}
	}

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.AccessLog(logger))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond, logger))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	s := &Server{echo: e, chain: chain, cfg: cfg, logger: logger}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}
	e.Any("/", s.handle)
	e.Any("/*", s.handle)

	return s
}

// Handler exposes the Echo instance for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start binds every configured address and serves in the background. If a
// bind fails, listeners opened so far are closed.
func (s *Server) Start(_ context.Context) error {
	addrs := s.cfg.Server.Addrs()
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("bind %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	for _, ln := range listeners {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		go func(ln net.Listener) {
			if err := s.echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("server error", "addr", ln.Addr().String(), "err", err)
			}
		}(ln)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.echo.Shutdown(ctx)
}

// handle is the catch-all Echo handler.
func (s *Server) handle(c echo.Context) error {
	req := c.Request()
	arrived := time.Now()

	body, readErr := io.ReadAll(req.Body)
	if readErr != nil {
		readErr = fromEcho(readErr)
	}

	target := req.RequestURI
	if target == "" {
		target = req.URL.RequestURI()
	}

	res := s.chain.Serve(req.Context(), pipeline.Inbound{
		ID:         c.Response().Header().Get(echo.HeaderXRequestID),
		Method:     req.Method,
		URL:        target,
		Header:     req.Header,
		Body:       body,
		BodyErr:    readErr,
		RemoteAddr: c.RealIP(),
		Arrived:    arrived,
	})

	out, err := res.Consume()
	if err != nil {
		return err
	}

	w := c.Response()
	for k, vs := range out.Header {
		w.Header()[k] = vs
	}

	if out.Stream == nil {
		w.WriteHeader(out.Status)
		if req.Method == http.MethodHead || len(out.Body) == 0 {
			return nil
		}
		_, err := w.Write(out.Body)
		return err
	}

	w.WriteHeader(out.Status)
	w.Flush()
	flush := func() error { return http.NewResponseController(w).Flush() }
	s.logRelay(c, stream.Relay(req.Context(), out.Stream, w, flush))
	return nil
}

func (s *Server) logRelay(c echo.Context, r stream.Result) {
	attrs := []any{
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"outcome", string(r.Outcome),
		"frames", r.Frames,
		"bytes", r.Bytes,
	}
	switch {
	case r.Outcome == stream.OutcomeCompleted:
		s.logger.Debug("stream relayed", attrs...)
	case IsTransient(r.Err):
		s.logger.Debug("stream client gone", append(attrs, "err", r.Err)...)
	default:
		s.logger.Warn("stream ended early", append(attrs, "err", r.Err)...)
	}
}

// fromEcho maps Echo's transport errors onto the failure taxonomy.
func fromEcho(err error) error {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		return err
	}
	msg := http.StatusText(he.Code)
	if m, ok := he.Message.(string); ok && m != "" {
		msg = m
	}
	switch {
	case he.Code == http.StatusRequestEntityTooLarge:
		return apperr.Wrap(apperr.KindPayloadTooLarge, "request body too large", err)
	case he.Code == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.KindRateLimited, msg, err)
	case he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed:
		return apperr.Wrap(apperr.KindNotFoundRoute, msg, err)
	case he.Code == http.StatusUnauthorized:
		return apperr.Wrap(apperr.KindUnauthenticated, msg, err)
	case he.Code >= 400 && he.Code < 500:
		return apperr.Wrap(apperr.KindMalformedRequest, msg, err)
	}
	return apperr.Wrap(apperr.KindInternal, msg, err)
}
