// Package pipeline is the transport-independent request execution pipeline:
// canonical requests and responses, the ordered stage chain, and the router.
// Runtime adapters translate their own request and reply shapes to and from
// the types in this package and never leak them further in.
package pipeline

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"chat-gateway-go/internal/apperr"
)

// knownMethods is the set of accepted HTTP verbs.
var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodOptions: true, http.MethodConnect: true, http.MethodTrace: true,
}

// Inbound is the raw, already-buffered view of a request that an adapter
// hands to the chain. The adapter reads the body; a read failure is recorded
// in BodyErr and surfaced by the chain instead of by the adapter.
type Inbound struct {
	ID         string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	BodyErr    error
	RemoteAddr string
	Arrived    time.Time
}

// Request is the canonical request. It is immutable once built: stages that
// need to change it derive a copy with the With* methods.
type Request struct {
	ID     string
	Method string
	// URL is the request target as received (path plus query).
	URL  string
	Path string
	// Header holds one value per canonical key; on duplicates the last wins.
	Header      http.Header
	Query       map[string]string
	ContentType string
	Raw         []byte
	// JSON is the decoded body when content negotiation selected JSON and
	// decoding succeeded. JSONErr records a deferred decode failure.
	JSON     any
	JSONErr  error
	RemoteIP string
	Time     time.Time
}

// NewRequest builds a canonical Request from in. It is a pure function of
// in: building twice from the same Inbound yields equal requests.
func NewRequest(in Inbound) (*Request, error) {
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if !knownMethods[method] {
		return nil, apperr.Newf(apperr.KindMalformedRequest, "unsupported method %q", in.Method)
	}
	if in.URL == "" {
		return nil, apperr.New(apperr.KindMalformedRequest, "missing request URL")
	}
	u, err := url.ParseRequestURI(in.URL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "malformed request URL", err)
	}
	if in.BodyErr != nil {
		return nil, bodyError(in.BodyErr)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if p, err := url.PathUnescape(path); err == nil {
		path = p
	}

	header := collapseHeader(in.Header)

	query := make(map[string]string)
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			query[k] = vs[len(vs)-1]
		}
	}

	var ct string
	if v := header.Get("Content-Type"); v != "" {
		if mt, _, err := mime.ParseMediaType(v); err == nil {
			ct = mt
		} else {
			ct = strings.ToLower(strings.TrimSpace(v))
		}
	}

	raw := make([]byte, len(in.Body))
	copy(raw, in.Body)

	arrived := in.Arrived
	if arrived.IsZero() {
		arrived = time.Now()
	}

	return &Request{
		ID:          in.ID,
		Method:      method,
		URL:         u.RequestURI(),
		Path:        path,
		Header:      header,
		Query:       query,
		ContentType: ct,
		Raw:         raw,
		RemoteIP:    remoteIP(in.RemoteAddr),
		Time:        arrived,
	}, nil
}

func bodyError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperr.Wrap(apperr.KindPayloadTooLarge, "request body too large", err)
	}
	return apperr.Wrap(apperr.KindMalformedRequest, "failed to read request body", err)
}

// collapseHeader canonicalizes keys and keeps only the last value per key.
// Keys are visited in sorted order so that case-variant duplicates resolve
// deterministically.
func collapseHeader(src http.Header) http.Header {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dst := make(http.Header, len(src))
	for _, k := range keys {
		vs := src[k]
		if len(vs) == 0 {
			continue
		}
		dst[http.CanonicalHeaderKey(k)] = []string{vs[len(vs)-1]}
	}
	return dst
}

func remoteIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// HeaderValue returns the value of the named header, case-insensitively.
func (r *Request) HeaderValue(key string) string {
	return r.Header.Get(key)
}

// IsJSON reports whether the request declared a JSON body.
func (r *Request) IsJSON() bool {
	return r.ContentType == "application/json" || strings.HasSuffix(r.ContentType, "+json")
}

// DecodeJSON unmarshals the raw body into dst. A decode failure is reported
// as MALFORMED_REQUEST; this is where a deferred negotiation failure surfaces.
func (r *Request) DecodeJSON(dst any) error {
	if r.JSONErr != nil {
		return apperr.Wrap(apperr.KindMalformedRequest, "request body is not valid JSON", r.JSONErr)
	}
	if len(r.Raw) == 0 {
		return apperr.New(apperr.KindMalformedRequest, "request body is empty")
	}
	if err := json.Unmarshal(r.Raw, dst); err != nil {
		return apperr.Wrap(apperr.KindMalformedRequest, "request body is not valid JSON", err)
	}
	return nil
}

// WithJSON returns a copy of r carrying a negotiated JSON body.
func (r *Request) WithJSON(v any, err error) *Request {
	c := *r
	c.JSON, c.JSONErr = v, err
	return &c
}

// WithContentType returns a copy of r with a rewritten content-type hint.
func (r *Request) WithContentType(ct string) *Request {
	c := *r
	c.ContentType = ct
	return &c
}

// WithoutHeaders returns a copy of r with the named headers removed.
func (r *Request) WithoutHeaders(keys ...string) *Request {
	c := *r
	c.Header = r.Header.Clone()
	for _, k := range keys {
		c.Header.Del(k)
	}
	return &c
}

// BearerToken extracts the credential from an "Authorization: Bearer <token>"
// header.
func BearerToken(h http.Header) (string, bool) {
	v := strings.TrimSpace(h.Get("Authorization"))
	if len(v) < len("Bearer ") || !strings.EqualFold(v[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(v[len("Bearer "):])
	if tok == "" {
		return "", false
	}
	return tok, true
}
