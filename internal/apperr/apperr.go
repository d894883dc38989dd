// Package apperr defines the closed error taxonomy of the gateway and the
// uniform JSON failure body every non-2xx response carries.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
)

// Kind is one member of the closed set of error kinds.
type Kind int

const (
	KindInternal Kind = iota
	KindMalformedRequest
	KindUnauthenticated
	KindNotFoundRoute
	KindPayloadTooLarge
	KindRateLimited
	KindUpstreamFailure
	KindUpstreamTimeout
)

var kindInfo = map[Kind]struct {
	status int
	code   string
}{
	KindInternal:         {http.StatusInternalServerError, "INTERNAL"},
	KindMalformedRequest: {http.StatusBadRequest, "MALFORMED_REQUEST"},
	KindUnauthenticated:  {http.StatusUnauthorized, "UNAUTHENTICATED"},
	KindNotFoundRoute:    {http.StatusNotFound, "NOT_FOUND_ROUTE"},
	KindPayloadTooLarge:  {http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	KindRateLimited:      {http.StatusTooManyRequests, "RATE_LIMITED"},
	KindUpstreamFailure:  {http.StatusBadGateway, "UPSTREAM_FAILURE"},
	KindUpstreamTimeout:  {http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
}

// Status returns the default HTTP status of the kind.
func (k Kind) Status() int {
	if info, ok := kindInfo[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Code returns the stable machine-readable code of the kind.
func (k Kind) Code() string {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return "INTERNAL"
}

func (k Kind) String() string { return k.Code() }

// Error is a recognized gateway error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status of the error.
func (e *Error) Status() int { return e.Kind.Status() }

// Code returns the stable error code.
func (e *Error) Code() string { return e.Kind.Code() }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrMalformedRequest = &Error{Kind: KindMalformedRequest}
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrNotFoundRoute    = &Error{Kind: KindNotFoundRoute}
	ErrPayloadTooLarge  = &Error{Kind: KindPayloadTooLarge}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrUpstreamFailure  = &Error{Kind: KindUpstreamFailure}
	ErrUpstreamTimeout  = &Error{Kind: KindUpstreamTimeout}
	ErrInternal         = &Error{Kind: KindInternal}
)

// Normalize turns any value (an error, a recovered panic value, or nil) into
// an *Error. Recognized errors keep their kind; everything else is INTERNAL.
func Normalize(v any) *Error {
	switch x := v.(type) {
	case nil:
		return New(KindInternal, "unknown error")
	case *Error:
		return x
	case error:
		var ae *Error
		if errors.As(x, &ae) {
			return ae
		}
		if errors.Is(x, context.DeadlineExceeded) {
			return Wrap(KindUpstreamTimeout, "request timed out", x)
		}
		return Wrap(KindInternal, redact(x.Error()), x)
	case string:
		return New(KindInternal, x)
	default:
		return New(KindInternal, fmt.Sprint(x))
	}
}

// bearerPattern matches bearer credentials embedded in error text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"']+`)

func redact(s string) string {
	return bearerPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

// FromUpstream classifies a failed chat-provider call.
func FromUpstream(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	msg := redact(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindUpstreamTimeout, "upstream request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindUpstreamFailure, "client disconnected", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(KindUpstreamFailure, "upstream host unreachable", err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Wrap(KindUpstreamTimeout, "upstream request timed out", err)
		}
		return Wrap(KindUpstreamFailure, "upstream connection failed", err)
	}

	return Wrap(KindUpstreamFailure, msg, err)
}

// FailureBody is the uniform JSON shape of every failure response.
type FailureBody struct {
	Err     string `json:"error"`
	Message string `json:"message"`

	status int
}

// NewFailureBody builds the failure body for any value.
func NewFailureBody(v any) *FailureBody {
	e := Normalize(v)
	return &FailureBody{
		Err:     e.Code(),
		Message: e.Message,
		status:  e.Status(),
	}
}

// StatusCode is the HTTP status the body should be served with.
func (b *FailureBody) StatusCode() int {
	if b.status == 0 {
		return http.StatusInternalServerError
	}
	return b.status
}
