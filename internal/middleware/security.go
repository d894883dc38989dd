package middleware

import (
	"context"

	"chat-gateway-go/internal/pipeline"
)

// hopByHopHeaders are connection-scoped and never reach a handler.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns a pipeline stage that strips hop-by-hop headers
// from the request and adds default security headers to every response,
// failure responses included.
func SecurityHeaders() pipeline.Stage {
	return func(ctx context.Context, req *pipeline.Request, b *pipeline.Builder, next pipeline.Next) (*pipeline.Response, error) {
		b.Header.Set("X-Content-Type-Options", "nosniff")
		b.Header.Set("X-Frame-Options", "DENY")
		return next(ctx, req.WithoutHeaders(hopByHopHeaders...))
	}
}
