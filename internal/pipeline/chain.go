package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// Builder carries response defaults that stages set on the way in. They are
// merged under the final response's own headers.
type Builder struct {
	Header http.Header
}

func newBuilder() *Builder {
	return &Builder{Header: make(http.Header)}
}

// Next continues the chain with a (possibly derived) request.
type Next func(ctx context.Context, req *Request) (*Response, error)

// Stage is one unit of the chain. A stage may adjust the builder and call
// next, return its own Response without calling next, or post-process the
// Response next returns.
type Stage func(ctx context.Context, req *Request, b *Builder, next Next) (*Response, error)

// Chain runs requests through stages in registration order and then into
// the terminal handler, normally Router.Dispatch.
type Chain struct {
	stages   []Stage
	terminal Next
	logger   *slog.Logger
}

// NewChain creates a Chain. Stages execute in the given order on the way in.
func NewChain(terminal Next, logger *slog.Logger, stages ...Stage) *Chain {
	return &Chain{
		stages:   append([]Stage(nil), stages...),
		terminal: terminal,
		logger:   logger.With("component", "chain"),
	}
}

// Serve builds the canonical request from in and runs it through the chain.
// It always returns a Response ready to be consumed, whatever fails along
// the way: request construction, a stage, the handler, or payload encoding.
func (c *Chain) Serve(ctx context.Context, in Inbound) (res *Response) {
	b := newBuilder()

	defer func() {
		if v := recover(); v != nil {
			c.logger.Error("panic escaped the chain", "panic", v)
			res = Failure(v)
		}
		res.applyDefaults(b.Header)
		if err := res.encode(); err != nil {
			c.logger.Error("response encoding failed", "err", err)
			fallback := Failure(err)
			fallback.applyDefaults(b.Header)
			_ = fallback.encode()
			res = fallback
		}
	}()

	req, err := NewRequest(in)
	if err != nil {
		c.logger.Warn("rejected inbound request", "err", err, "method", in.Method, "url", in.URL)
		return Failure(err)
	}

	res, err = c.run(ctx, 0, req, b)
	if err != nil {
		return Failure(err)
	}
	if res == nil {
		return Failure(errors.New("chain produced no response"))
	}
	return res
}

func (c *Chain) run(ctx context.Context, i int, req *Request, b *Builder) (*Response, error) {
	if i == len(c.stages) {
		return c.terminal(ctx, req)
	}
	return c.stages[i](ctx, req, b, func(ctx context.Context, r *Request) (*Response, error) {
		return c.run(ctx, i+1, r, b)
	})
}
