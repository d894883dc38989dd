package middleware

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"chat-gateway-go/internal/apperr"
)

// WriteFailure writes the uniform failure body for err.
func WriteFailure(c echo.Context, err error) error {
	body := apperr.NewFailureBody(err)
	return c.JSON(body.StatusCode(), body)
}

// RequestID returns an Echo middleware that assigns a UUID request id unless
// the client sent one.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// RateLimiter returns an Echo middleware limiting each client IP to rps
// requests per second. Denied requests get a RATE_LIMITED failure body.
func RateLimiter(rps float64, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "rate_limiter")
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		ExpiresIn: 3 * time.Minute,
	})
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return WriteFailure(c, apperr.Wrap(apperr.KindMalformedRequest, "cannot identify client", err))
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logger.Warn("request rate limited", "ip", identifier, "path", c.Request().URL.Path)
			return WriteFailure(c, apperr.New(apperr.KindRateLimited, "too many requests, slow down"))
		},
	})
}

// AccessLog returns an Echo middleware that logs transport details of each
// exchange at debug level. The request lines themselves come from the router.
func AccessLog(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "access")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Debug("exchange",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
