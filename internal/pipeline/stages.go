package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSConfig is the cross-origin header policy.
type CORSConfig struct {
	// AllowedOrigins lists accepted origins; "*" or an empty list allows any.
	AllowedOrigins []string
	AllowedMethods []string
	// AllowedHeaders lists accepted request headers; empty reflects the
	// headers the preflight asks for.
	AllowedHeaders []string
	MaxAge         time.Duration
}

var defaultCORSMethods = []string{"GET", "HEAD", "PUT", "POST", "DELETE", "PATCH"}

// CORS returns the cross-origin stage. Preflight requests (OPTIONS with
// Access-Control-Request-Method) are answered with 204 without reaching the
// router.
func CORS(cfg CORSConfig) Stage {
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	anyOrigin := len(cfg.AllowedOrigins) == 0
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}

	return func(ctx context.Context, req *Request, b *Builder, next Next) (*Response, error) {
		origin := req.HeaderValue("Origin")
		switch {
		case anyOrigin:
			b.Header.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			b.Header.Set("Access-Control-Allow-Origin", origin)
			b.Header.Add("Vary", "Origin")
		default:
			return next(ctx, req)
		}

		if req.Method != http.MethodOptions || req.HeaderValue("Access-Control-Request-Method") == "" {
			return next(ctx, req)
		}

		res := NewResponse(nil, WithStatus(http.StatusNoContent))
		res.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ","))
		if len(cfg.AllowedHeaders) > 0 {
			res.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ","))
		} else if h := req.HeaderValue("Access-Control-Request-Headers"); h != "" {
			res.Header().Set("Access-Control-Allow-Headers", h)
		}
		if cfg.MaxAge > 0 {
			res.Header().Set("Access-Control-Max-Age", strconv.Itoa(int(cfg.MaxAge.Seconds())))
		}
		return res, nil
	}
}

// xmlTypes are content types handled as text/xml.
var xmlTypes = map[string]bool{
	"application/xml":      true,
	"application/ssml+xml": true,
}

// DecodeBody returns the body-decoding stage. JSON bodies are parsed when the
// content type negotiates JSON; a parse failure is recorded on the request
// and left for the handler to surface.
func DecodeBody(logger *slog.Logger) Stage {
	logger = logger.With("component", "decode_body")
	return func(ctx context.Context, req *Request, _ *Builder, next Next) (*Response, error) {
		if xmlTypes[req.ContentType] {
			req = req.WithContentType("text/xml")
		}
		if !req.IsJSON() || len(req.Raw) == 0 {
			return next(ctx, req)
		}

		var v any
		if err := json.Unmarshal(req.Raw, &v); err != nil {
			logger.Warn("JSON body decode failed", "err", err, "path", req.Path)
			return next(ctx, req.WithJSON(nil, err))
		}
		return next(ctx, req.WithJSON(v, nil))
	}
}

// Barrier returns the exception barrier. Every error or panic raised further
// down the chain is converted into a failure response here.
func Barrier(logger *slog.Logger) Stage {
	logger = logger.With("component", "barrier")
	return func(ctx context.Context, req *Request, _ *Builder, next Next) (res *Response, err error) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("request handling panicked",
					"panic", fmt.Sprint(v),
					"method", req.Method,
					"path", req.Path,
				)
				res, err = Failure(v), nil
			}
		}()

		res, err = next(ctx, req)
		if err != nil {
			logger.Error("request handling failed",
				"err", err,
				"method", req.Method,
				"path", req.Path,
			)
			return Failure(err), nil
		}
		if res == nil {
			return Failure(fmt.Errorf("no response for %s %s", req.Method, req.Path)), nil
		}
		return res, nil
	}
}
