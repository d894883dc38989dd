package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/stream"
)

// Handler serves one route. It returns either a *Response or a plain value,
// which the router wraps in a default response.
type Handler func(ctx context.Context, req *Request) (any, error)

// Group is a declarative set of routes sharing a path prefix. Routes maps an
// HTTP method to sub-paths and their handlers.
type Group struct {
	Prefix string
	Routes map[string]map[string]Handler
}

// ErrRoutesSealed is returned by Attach once the router has served a request.
var ErrRoutesSealed = errors.New("pipeline: route table is sealed")

type routeKey struct {
	method string
	path   string
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Prefix is prepended to every route (service url prefix).
	Prefix string
	// RequestLog enables the per-request "->" and "<-" log lines.
	RequestLog bool
	// Expected names the canonical route quoted in the not-found message.
	Expected string
}

// Router dispatches requests by exact (method, path) match. The table is
// built with Attach before serving and is read-only afterwards.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	mu     sync.Mutex
	routes map[routeKey]Handler
	sealed atomic.Bool
}

// NewRouter creates an empty Router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if cfg.Expected == "" {
		cfg.Expected = "POST -> /v1/chat/completions"
	}
	return &Router{
		cfg:    cfg,
		logger: logger.With("component", "router"),
		routes: make(map[routeKey]Handler),
	}
}

// Attach registers route groups in order. Invalid methods are logged and
// skipped.
func (r *Router) Attach(groups ...Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRoutesSealed
	}

	for _, g := range groups {
		for method, paths := range g.Routes {
			m := strings.ToUpper(method)
			if !knownMethods[m] || paths == nil {
				r.logger.Warn("invalid route method", "prefix", g.Prefix, "method", method)
				continue
			}
			for sub, h := range paths {
				if h == nil {
					continue
				}
				full := r.cfg.Prefix + g.Prefix + sub
				r.routes[routeKey{method: m, path: full}] = h
				r.logger.Debug("route registered", "method", m, "path", full)
			}
		}
		r.logger.Info("route attached", "prefix", r.cfg.Prefix+g.Prefix)
	}
	return nil
}

// Routes returns the registered "METHOD path" pairs.
func (r *Router) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k.method+" "+k.path)
	}
	return out
}

// Dispatch is the chain's terminal step. It never returns an error: handler
// failures become failure responses here.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if !r.sealed.Load() {
		// Sealing under mu orders every earlier Attach before the
		// unlocked reads below.
		r.mu.Lock()
		r.sealed.Store(true)
		r.mu.Unlock()
	}

	h, ok := r.routes[routeKey{method: req.Method, path: req.Path}]
	if !ok {
		return r.notFound(req), nil
	}

	if r.cfg.RequestLog {
		r.logger.Info(fmt.Sprintf("-> %s %s", req.Method, req.URL))
	}
	res := r.invoke(ctx, h, req)
	r.logDone(req, res)
	return res, nil
}

func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (res *Response) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("handler panicked", "panic", fmt.Sprint(v), "method", req.Method, "path", req.Path)
			res = Failure(v)
		}
	}()

	v, err := h(ctx, req)
	if err != nil {
		r.logger.Error("handler failed", "err", err, "method", req.Method, "path", req.Path)
		return Failure(err)
	}
	return wrap(v)
}

// wrap turns a handler result into a Response.
func wrap(v any) *Response {
	switch x := v.(type) {
	case *Response:
		if x == nil {
			return NewResponse(nil)
		}
		return x
	case stream.Stream:
		return NewStreamResponse(x)
	default:
		return NewResponse(v)
	}
}

func (r *Router) notFound(req *Request) *Response {
	r.logger.Debug(fmt.Sprintf("-> %s %s request is not supported - %s", req.Method, req.URL, orUnknown(req.RemoteIP)))

	msg := fmt.Sprintf("[request error]: the correct request is %s, the current request is %s -> %s; please correct it",
		r.cfg.Expected, req.Method, receivedTarget(req))
	r.logger.Warn(msg)

	res := Failure(apperr.New(apperr.KindNotFoundRoute, msg))
	r.logDone(req, res)
	return res
}

func (r *Router) logDone(req *Request, res *Response) {
	if !r.cfg.RequestLog {
		return
	}
	elapsed := res.Time().Sub(req.Time).Milliseconds()
	status := res.Status()
	if status >= http.StatusBadRequest {
		r.logger.Warn(fmt.Sprintf("<- %s %s %dms", req.Method, req.URL, elapsed), "status", status)
		return
	}
	r.logger.Info(fmt.Sprintf("<- %s %s %dms", req.Method, req.URL, elapsed), "status", status)
}

// receivedTarget is the decoded path as received plus the raw query.
func receivedTarget(req *Request) string {
	if i := strings.IndexByte(req.URL, '?'); i >= 0 {
		return req.Path + req.URL[i:]
	}
	return req.Path
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
