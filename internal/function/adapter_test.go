package function

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"chat-gateway-go/internal/client"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/handler"
	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/middleware"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/server"
	"chat-gateway-go/internal/service"
	"chat-gateway-go/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestChain(t *testing.T, cfg *config.Config, extra ...pipeline.Group) *pipeline.Chain {
	t.Helper()
	logger := discardLogger()
	r := pipeline.NewRouter(pipeline.RouterConfig{}, logger)
	routes := append(handler.Routes(nil, handler.NewHealthHandler(cfg, "test")), extra...)
	if err := r.Attach(routes...); err != nil {
		t.Fatal(err)
	}
	return pipeline.NewChain(r.Dispatch, logger,
		middleware.SecurityHeaders(),
		pipeline.Barrier(logger),
		pipeline.DecodeBody(logger),
	)
}

func readBody(t *testing.T, rep *Reply) string {
	t.Helper()
	defer func() { _ = rep.Body.Close() }()
	data, err := io.ReadAll(rep.Body)
	if err != nil {
		t.Fatalf("read reply body: %v", err)
	}
	return string(data)
}

func TestInvoke_Health(t *testing.T) {
	a := New(newTestChain(t, &config.Config{Mode: config.ModeFunction}), discardLogger())

	rep := a.Invoke(context.Background(), &Event{Method: "GET", URL: "https://gw.example.com/health"})
	if rep.Status != http.StatusOK {
		t.Fatalf("status = %d", rep.Status)
	}
	if ct := rep.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rep.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
	if got := gjson.Get(readBody(t, rep), "status").String(); got != "ok" {
		t.Errorf("status field = %q", got)
	}
}

// Both adapters drive the same chain and must agree on status and body.
func TestInvoke_MatchesServer(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1"}}
	chain := newTestChain(t, cfg)

	srv := server.New(cfg, chain, metrics.New(), discardLogger())
	fn := New(chain, discardLogger())

	for _, path := range []string{"/health", "/v1/health", "/missing"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

			rep := fn.Invoke(context.Background(), &Event{Method: http.MethodGet, URL: path})
			body := readBody(t, rep)

			if rep.Status != rec.Code {
				t.Errorf("function status %d, server status %d", rep.Status, rec.Code)
			}
			if body != rec.Body.String() {
				t.Errorf("function body %q, server body %q", body, rec.Body.String())
			}
		})
	}
}

func TestInvoke_Body(t *testing.T) {
	echoRoute := pipeline.Group{Routes: map[string]map[string]pipeline.Handler{
		http.MethodPost: {"/echo": func(_ context.Context, req *pipeline.Request) (any, error) {
			return map[string]any{"raw": string(req.Raw), "ip": req.RemoteIP, "id": req.ID}, nil
		}},
	}}
	a := New(newTestChain(t, &config.Config{}, echoRoute), discardLogger())
	a.newID = func() string { return "req-1" }

	tests := []struct {
		name       string
		event      Event
		wantStatus int
		wantRaw    string
		wantIP     string
	}{
		{
			name:       "plain",
			event:      Event{Method: "POST", URL: "/echo", Headers: map[string]string{"content-type": "application/json"}, Body: `{"a":1}`, SourceIP: "198.51.100.4"},
			wantStatus: http.StatusOK,
			wantRaw:    `{"a":1}`,
			wantIP:     "198.51.100.4",
		},
		{
			name:       "base64",
			event:      Event{Method: "POST", URL: "/echo", Body: base64.StdEncoding.EncodeToString([]byte("hello")), IsBase64Encoded: true, Headers: map[string]string{"CF-Connecting-IP": "203.0.113.9"}},
			wantStatus: http.StatusOK,
			wantRaw:    "hello",
			wantIP:     "203.0.113.9",
		},
		{
			name:       "bad base64",
			event:      Event{Method: "POST", URL: "/echo", Body: "%%%", IsBase64Encoded: true},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := a.Invoke(context.Background(), &tt.event)
			body := readBody(t, rep)
			if rep.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rep.Status, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				if got := gjson.Get(body, "error").String(); got != "MALFORMED_REQUEST" {
					t.Errorf("error = %q", got)
				}
				return
			}
			if got := gjson.Get(body, "raw").String(); got != tt.wantRaw {
				t.Errorf("raw = %q, want %q", got, tt.wantRaw)
			}
			if got := gjson.Get(body, "ip").String(); got != tt.wantIP {
				t.Errorf("ip = %q, want %q", got, tt.wantIP)
			}
			if got := gjson.Get(body, "id").String(); got != "req-1" {
				t.Errorf("id = %q", got)
			}
		})
	}
}

func TestInvokeJSON_Malformed(t *testing.T) {
	a := New(newTestChain(t, &config.Config{}), discardLogger())

	for _, input := range []string{"", "{", `"just a string"`} {
		rep := a.InvokeJSON(context.Background(), []byte(input))
		if rep.Status != http.StatusInternalServerError {
			t.Errorf("InvokeJSON(%q) status = %d, want 500", input, rep.Status)
		}
		if got := gjson.Get(readBody(t, rep), "error").String(); got != "INTERNAL" {
			t.Errorf("InvokeJSON(%q) error = %q", input, got)
		}
	}
}

func TestInvoke_RecoversAdapterPanic(t *testing.T) {
	a := New(nil, discardLogger())

	rep := a.Invoke(context.Background(), &Event{Method: "GET", URL: "/health"})
	if rep == nil {
		t.Fatal("Invoke() returned nil")
	}
	if rep.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rep.Status)
	}
	if got := gjson.Get(readBody(t, rep), "message").String(); got != "internal server error" {
		t.Errorf("message = %q", got)
	}
}

func TestInvoke_Stream(t *testing.T) {
	route := pipeline.Group{Routes: map[string]map[string]pipeline.Handler{
		http.MethodGet: {"/stream": func(context.Context, *pipeline.Request) (any, error) {
			return stream.FromStrings("a", "b", "[DONE]"), nil
		}},
	}}
	a := New(newTestChain(t, &config.Config{}, route), discardLogger())

	rep := a.Invoke(context.Background(), &Event{Method: "GET", URL: "/stream"})
	if !rep.Stream {
		t.Fatal("expected a stream reply")
	}
	if ct := rep.Header.Get("Content-Type"); ct != stream.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if got, want := readBody(t, rep), "data: a\n\ndata: b\n\ndata: [DONE]\n\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestInvoke_StreamAbandoned(t *testing.T) {
	stopped := make(chan struct{})
	route := pipeline.Group{Routes: map[string]map[string]pipeline.Handler{
		http.MethodGet: {"/stream": func(context.Context, *pipeline.Request) (any, error) {
			sent := false
			return stream.FromFunc(func(ctx context.Context) ([]byte, error) {
				if !sent {
					sent = true
					return []byte("first"), nil
				}
				<-ctx.Done()
				return nil, ctx.Err()
			}, func() error {
				close(stopped)
				return nil
			}), nil
		}},
	}}
	a := New(newTestChain(t, &config.Config{}, route), discardLogger())

	rep := a.Invoke(context.Background(), &Event{Method: "GET", URL: "/stream"})
	line, err := bufio.NewReader(rep.Body).ReadString('\n')
	if err != nil || line != "data: first\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if err := rep.Body.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer not closed after the reply was abandoned")
	}
}

func TestReply_WriteTo(t *testing.T) {
	route := pipeline.Group{Routes: map[string]map[string]pipeline.Handler{
		http.MethodGet: {"/stream": func(context.Context, *pipeline.Request) (any, error) {
			return stream.FromStrings("x"), nil
		}},
	}}
	a := New(newTestChain(t, &config.Config{}, route), discardLogger())

	t.Run("finite", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := a.Invoke(context.Background(), &Event{Method: "GET", URL: "/health"}).WriteTo(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(buf.Len()) {
			t.Errorf("n = %d, wrote %d", n, buf.Len())
		}
		resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || resp.ContentLength != int64(len(body)) {
			t.Errorf("status = %d, content-length = %d, body = %q", resp.StatusCode, resp.ContentLength, body)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Error("security headers missing from reply")
		}
	})

	t.Run("stream", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := a.Invoke(context.Background(), &Event{Method: "GET", URL: "/stream"}).WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "data: x\n\n" {
			t.Errorf("body = %q", body)
		}
		if !resp.Close {
			t.Error("stream reply not delimited by connection close")
		}
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		headers map[string]string
		want    string
	}{
		{"source ip wins", "10.0.0.1", map[string]string{"CF-Connecting-IP": "10.0.0.2"}, "10.0.0.1"},
		{"cloudflare header", "", map[string]string{"cf-connecting-ip": "10.0.0.2", "X-Forwarded-For": "10.0.0.3"}, "10.0.0.2"},
		{"forwarded first hop", "", map[string]string{"X-Forwarded-For": " 10.0.0.3 , 10.0.0.4"}, "10.0.0.3"},
		{"unknown", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{SourceIP: tt.source, Headers: tt.headers}
			if got := ev.clientIP(ev.header()); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// stallingUpstream sends one completion chunk and then holds the connection
// open until the client goes away. gone is closed when that happens.
func stallingUpstream(t *testing.T) (url string, gone <-chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(done)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, done
}

func newChatChain(t *testing.T, upstream string) *pipeline.Chain {
	t.Helper()
	logger := discardLogger()
	cfg := &config.Config{Upstream: config.UpstreamConfig{
		BaseURL:         upstream,
		TimeoutSeconds:  30,
		IdleConnections: 1,
		DefaultModel:    "kimi",
	}}
	svc := service.NewChatService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)

	r := pipeline.NewRouter(pipeline.RouterConfig{}, logger)
	if err := r.Attach(handler.Routes(handler.NewChatHandler(svc, logger), handler.NewHealthHandler(cfg, "test"))...); err != nil {
		t.Fatal(err)
	}
	return pipeline.NewChain(r.Dispatch, logger, pipeline.Barrier(logger), pipeline.DecodeBody(logger))
}

func TestInvoke_ClosingReplyReleasesUpstream(t *testing.T) {
	url, gone := stallingUpstream(t)
	a := New(newChatChain(t, url), discardLogger())

	rep := a.Invoke(context.Background(), &Event{
		Method: http.MethodPost,
		URL:    "/v1/chat/completions",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer tok",
		},
		Body: `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`,
	})
	if !rep.Stream {
		body := readBody(t, rep)
		t.Fatalf("expected a stream reply, got %d: %s", rep.Status, body)
	}

	line, err := bufio.NewReader(rep.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("first line = %q, %v", line, err)
	}
	if err := rep.Body.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-gone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request still open after the reply body was closed")
	}
}

func TestInvoke_HeaderCaseVariantsAreDeterministic(t *testing.T) {
	route := pipeline.Group{Routes: map[string]map[string]pipeline.Handler{
		http.MethodGet: {"/token": func(_ context.Context, req *pipeline.Request) (any, error) {
			return req.HeaderValue("X-Token"), nil
		}},
	}}
	a := New(newTestChain(t, &config.Config{}, route), discardLogger())
	ev := &Event{
		Method:  http.MethodGet,
		URL:     "/token",
		Headers: map[string]string{"x-token": "lower", "X-Token": "upper", "X-TOKEN": "shout"},
	}

	want := readBody(t, a.Invoke(context.Background(), ev))
	for range 100 {
		if got := readBody(t, a.Invoke(context.Background(), ev)); got != want {
			t.Fatalf("header resolved to %q, earlier to %q", got, want)
		}
	}
	if want != "lower" {
		t.Errorf("X-Token = %q, want the last key in sorted order (lower)", want)
	}
}
