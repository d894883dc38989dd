// Package function is the single-invocation runtime adapter. Each call turns
// one platform event into a pipeline.Inbound, drives the same chain as the
// persistent server, and converts the canonical response into a Reply. A
// Reply is produced on every path, including adapter failures.
package function

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"chat-gateway-go/internal/apperr"
)

// Event is one request as delivered by the hosting platform.
type Event struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded"`
	SourceIP        string            `json:"sourceIp"`
}

// ParseEvent decodes a JSON event. Unknown fields are ignored.
func ParseEvent(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("parse event: empty input")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	return &ev, nil
}

// header converts the flat header map into an http.Header. Keys are applied
// in sorted order so case variants of one name resolve the same way on every
// invocation.
func (e *Event) header() http.Header {
	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := make(http.Header, len(keys))
	for _, k := range keys {
		h.Set(k, e.Headers[k])
	}
	return h
}

// body returns the decoded request body.
func (e *Event) body() ([]byte, error) {
	if !e.IsBase64Encoded {
		return []byte(e.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindMalformedRequest, "event body is not valid base64", err)
	}
	return b, nil
}

// clientIP picks the best-effort client address: the platform's source IP,
// then CF-Connecting-IP, then the first X-Forwarded-For hop.
func (e *Event) clientIP(h http.Header) string {
	if e.SourceIP != "" {
		return e.SourceIP
	}
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return ""
}
