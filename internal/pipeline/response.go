package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/stream"
)

// ContentTypeJSON is the content type of serialized payloads.
const ContentTypeJSON = "application/json; charset=utf-8"

// ErrConsumed is returned when a Response is injected a second time.
var ErrConsumed = errors.New("pipeline: response already consumed")

// StatusCoder is implemented by payloads that carry their own HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Response is the canonical response: either a finite serializable payload
// or a stream handle, never both. A Response is handed to a transport
// exactly once via Consume.
type Response struct {
	status      int
	contentType string
	header      http.Header
	payload     any
	stream      stream.Stream
	time        time.Time

	body     []byte
	encoded  bool
	consumed atomic.Bool
}

// Option customizes a Response.
type Option func(*Response)

// WithStatus sets an explicit status. It takes precedence over a status
// embedded in the payload.
func WithStatus(code int) Option {
	return func(r *Response) { r.status = code }
}

// WithContentType overrides the derived content type.
func WithContentType(ct string) Option {
	return func(r *Response) { r.contentType = ct }
}

// WithHeader sets a response header.
func WithHeader(key, value string) Option {
	return func(r *Response) { r.header.Set(key, value) }
}

// NewResponse wraps a finite payload. []byte and json.RawMessage payloads
// are sent as-is; anything else is serialized as JSON. A nil payload yields
// an empty body.
func NewResponse(payload any, opts ...Option) *Response {
	if s, ok := payload.(stream.Stream); ok {
		return NewStreamResponse(s, opts...)
	}
	r := &Response{
		header:  make(http.Header),
		payload: payload,
		time:    time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewStreamResponse wraps a stream handle as a text/event-stream response.
func NewStreamResponse(s stream.Stream, opts ...Option) *Response {
	r := &Response{
		header: make(http.Header),
		stream: s,
		time:   time.Now(),
	}
	r.header.Set("Cache-Control", stream.CacheControl)
	r.header.Set("Connection", stream.Connection)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Failure builds the failure response for any error or recovered value.
func Failure(v any) *Response {
	return NewResponse(apperr.NewFailureBody(v))
}

// Status derives the HTTP status: an explicit WithStatus wins, then a
// status carried by the payload, then 200.
func (r *Response) Status() int {
	if r.status != 0 {
		return r.status
	}
	if sc, ok := r.payload.(StatusCoder); ok {
		if code := sc.StatusCode(); code != 0 {
			return code
		}
	}
	return http.StatusOK
}

// ContentType derives the content type of the response.
func (r *Response) ContentType() string {
	switch {
	case r.contentType != "":
		return r.contentType
	case r.stream != nil:
		return stream.ContentType
	case r.payload == nil:
		return ""
	}
	switch r.payload.(type) {
	case []byte:
		return "application/octet-stream"
	case string:
		return "text/plain; charset=utf-8"
	}
	return ContentTypeJSON
}

// Header returns the response headers. Stages may add defaults through the
// Builder; values set here take precedence.
func (r *Response) Header() http.Header { return r.header }

// IsStream reports whether the response carries a stream handle.
func (r *Response) IsStream() bool { return r.stream != nil }

// Observe attaches hooks to a stream payload (see stream.Observe). Finite
// responses are returned unchanged.
func (r *Response) Observe(onChunk func(n int), onClose func(stream.Outcome)) *Response {
	if r.stream != nil {
		r.stream = stream.Observe(r.stream, onChunk, onClose)
	}
	return r
}

// Payload returns the finite payload, nil for streams.
func (r *Response) Payload() any { return r.payload }

// Time is the completion timestamp of the response.
func (r *Response) Time() time.Time { return r.time }

// Size is the encoded body size in bytes, or -1 for streams and responses
// that were not encoded yet.
func (r *Response) Size() int64 {
	if r.stream != nil || !r.encoded {
		return -1
	}
	return int64(len(r.body))
}

// encode serializes the payload once.
func (r *Response) encode() error {
	if r.encoded || r.stream != nil {
		return nil
	}
	switch p := r.payload.(type) {
	case nil:
		r.body = nil
	case []byte:
		r.body = p
	case json.RawMessage:
		r.body = p
	case string:
		r.body = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode response payload: %w", err)
		}
		r.body = b
	}
	r.encoded = true
	return nil
}

// applyDefaults merges default headers under the headers already set.
func (r *Response) applyDefaults(defaults http.Header) {
	for k, vs := range defaults {
		if _, ok := r.header[k]; !ok {
			r.header[k] = append([]string(nil), vs...)
		}
	}
}

// Outbound is what a transport writes: a status, headers, and either a body
// or a stream. Obtain it with Consume.
type Outbound struct {
	Status int
	Header http.Header
	Body   []byte
	Stream stream.Stream
	Size   int64
	Time   time.Time
}

// Consume hands the response to a transport. It succeeds once; any further
// call returns ErrConsumed.
func (r *Response) Consume() (*Outbound, error) {
	if !r.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	if err := r.encode(); err != nil {
		return nil, err
	}

	h := r.header.Clone()
	if ct := r.ContentType(); ct != "" && (r.contentType != "" || h.Get("Content-Type") == "") {
		h.Set("Content-Type", ct)
	}

	out := &Outbound{
		Status: r.Status(),
		Header: h,
		Body:   r.body,
		Stream: r.stream,
		Size:   r.Size(),
		Time:   r.time,
	}
	r.stream = nil
	r.body = nil
	return out, nil
}
