package function

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/stream"
)

// Reply is the external reply for one invocation. Body is always non-nil.
// For event streams it is fed incrementally; closing it early abandons the
// producer.
type Reply struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	// Stream reports whether Body is an event stream of unknown length.
	Stream bool
	size   int64
}

// Adapter runs invocations through a chain.
type Adapter struct {
	chain  *pipeline.Chain
	logger *slog.Logger
	newID  func() string
}

// New creates an Adapter for chain.
func New(chain *pipeline.Chain, logger *slog.Logger) *Adapter {
	return &Adapter{
		chain:  chain,
		logger: logger.With("component", "function"),
		newID:  uuid.NewString,
	}
}

// InvokeJSON decodes a raw JSON event and invokes it. An undecodable event
// still yields a Reply.
func (a *Adapter) InvokeJSON(ctx context.Context, data []byte) *Reply {
	ev, err := ParseEvent(data)
	if err != nil {
		a.logger.Error("invalid invocation event", "err", err)
		return internalReply()
	}
	return a.Invoke(ctx, ev)
}

// Invoke handles one event. It never panics and never returns nil.
func (a *Adapter) Invoke(ctx context.Context, ev *Event) (rep *Reply) {
	defer func() {
		if v := recover(); v != nil {
			a.logger.Error("invocation panicked", "panic", fmt.Sprint(v))
			rep = internalReply()
		}
	}()

	id := a.newID()
	h := ev.header()
	body, bodyErr := ev.body()

	res := a.chain.Serve(ctx, pipeline.Inbound{
		ID:         id,
		Method:     ev.Method,
		URL:        ev.URL,
		Header:     h,
		Body:       body,
		BodyErr:    bodyErr,
		RemoteAddr: ev.clientIP(h),
		Arrived:    time.Now(),
	})

	out, err := res.Consume()
	if err != nil {
		a.logger.Error("response could not be consumed", "err", err, "request_id", id)
		return internalReply()
	}

	header := out.Header.Clone()
	header.Set("X-Request-Id", id)

	if out.Stream == nil {
		return &Reply{
			Status: out.Status,
			Header: header,
			Body:   io.NopCloser(bytes.NewReader(out.Body)),
			size:   int64(len(out.Body)),
		}
	}

	return &Reply{
		Status: out.Status,
		Header: header,
		Body:   a.relay(ctx, id, out.Stream),
		Stream: true,
		size:   -1,
	}
}

// relay pumps src into a pipe. Closing the returned reader cancels the
// relay context and closes src.
func (a *Adapter) relay(ctx context.Context, id string, src stream.Stream) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	go func() {
		defer cancel()
		r := stream.Relay(ctx, src, pw, nil)
		// The frames already sent are the reply; a producer error only
		// ends it early.
		_ = pw.Close()

		attrs := []any{"request_id", id, "outcome", string(r.Outcome), "frames", r.Frames, "bytes", r.Bytes}
		if r.Outcome == stream.OutcomeCompleted {
			a.logger.Debug("stream relayed", attrs...)
			return
		}
		a.logger.Warn("stream ended early", append(attrs, "err", r.Err)...)
	}()

	return &streamBody{PipeReader: pr, cancel: cancel, src: src}
}

// streamBody is the reader side of a relay. Close abandons the producer
// directly as well as through the relay context, so a producer blocked in
// Next is released even if it ignores cancellation.
type streamBody struct {
	*io.PipeReader
	cancel context.CancelFunc
	src    stream.Stream
}

func (b *streamBody) Close() error {
	b.cancel()
	err := b.PipeReader.Close()
	_ = b.src.Close()
	return err
}

// internalReply is the generic reply used when no canonical response exists.
func internalReply() *Reply {
	fb := apperr.NewFailureBody(apperr.New(apperr.KindInternal, "internal server error"))
	data, _ := json.Marshal(fb)
	h := make(http.Header)
	h.Set("Content-Type", pipeline.ContentTypeJSON)
	return &Reply{
		Status: fb.StatusCode(),
		Header: h,
		Body:   io.NopCloser(bytes.NewReader(data)),
		size:   int64(len(data)),
	}
}

// WriteTo writes the reply to w as an HTTP/1.1 response and closes Body.
// Event streams are written unframed and delimited by connection close.
func (r *Reply) WriteTo(w io.Writer) (int64, error) {
	defer func() { _ = r.Body.Close() }()

	header := r.Header.Clone()
	if r.Stream {
		header.Del("Connection")
	}

	resp := &http.Response{
		StatusCode:    r.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.size,
		Close:         r.Stream,
	}

	cw := &countingWriter{w: w}
	err := resp.Write(cw)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
