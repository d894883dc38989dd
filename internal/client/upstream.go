// Package client provides the HTTP client for the upstream chat provider.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/stream"
)

const userAgent = "chat-gateway-go/1.0"

// Upstream response limits.
const (
	maxCompletionBytes = 16 << 20
	maxErrorBodyBytes  = 64 << 10
	maxEventLineBytes  = 1 << 20
)

// UpstreamClient talks to an OpenAI-compatible chat-completions endpoint.
type UpstreamClient struct {
	httpClient *http.Client
	endpoint   string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No overall client timeout is set because streamed completions may run for
// minutes; non-streaming calls are bounded by a context deadline and
// streaming calls by the response header timeout.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		endpoint:   strings.TrimRight(cfg.Upstream.BaseURL, "/") + "/chat/completions",
		timeout:    timeout,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Completion requests a non-streaming completion and returns the raw
// completion object.
func (c *UpstreamClient) Completion(ctx context.Context, req *model.CompletionRequest, credential string) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body := *req
	body.Stream = false
	resp, err := c.post(ctx, &body, credential)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCompletionBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream completion: %w", err)
	}
	return json.RawMessage(data), nil
}

// CompletionStream requests a streaming completion. The returned stream
// yields the JSON payload of every upstream event until the upstream sends
// [DONE] or closes the connection.
//
// The upstream request is bound to ctx, and every Next is bound to its own
// context as well: cancelling either closes the upstream body, which aborts
// the read Next is blocked in.
func (c *UpstreamClient) CompletionStream(ctx context.Context, req *model.CompletionRequest, credential string) (stream.Stream, error) {
	body := *req
	body.Stream = true
	resp, err := c.post(ctx, &body, credential)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventLineBytes)

	return stream.FromFunc(func(ctx context.Context) ([]byte, error) {
		stop := context.AfterFunc(ctx, func() { _ = resp.Body.Close() })
		defer stop()

		for scanner.Scan() {
			payload, ok := eventData(scanner.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(payload, model.DoneFrame) {
				return nil, io.EOF
			}
			out := make([]byte, len(payload))
			copy(out, payload)
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read upstream stream: %w", err)
		}
		return nil, io.EOF
	}, resp.Body.Close), nil
}

// eventData returns the payload of a "data:" line.
func eventData(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	rest = bytes.TrimSpace(rest)
	return rest, len(rest) > 0
}

// post sends the completion request. Non-2xx responses are classified and
// their body closed.
func (c *UpstreamClient) post(ctx context.Context, body *model.CompletionRequest, credential string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+credential)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	mode := "complete"
	if body.Stream {
		mode = "stream"
	}
	c.logger.Debug("upstream request", "mode", mode, "model", body.Model, "messages", len(body.Messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(mode).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(mode, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp, nil
}

// statusError classifies a non-2xx upstream response.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	msg := gjson.GetBytes(data, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(data, "message").String()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("upstream responded %d: %s", resp.StatusCode, msg)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.New(apperr.KindUnauthenticated, msg)
	case http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, msg)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return apperr.New(apperr.KindUpstreamTimeout, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.New(apperr.KindMalformedRequest, msg)
	default:
		return apperr.New(apperr.KindUpstreamFailure, msg)
	}
}
