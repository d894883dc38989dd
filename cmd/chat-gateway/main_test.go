package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"chat-gateway-go/internal/client"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/function"
	"chat-gateway-go/internal/handler"
	"chat-gateway-go/internal/metrics"
	"chat-gateway-go/internal/service"
)

func newTestAdapter(t *testing.T, cfg *config.Config) *function.Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := service.NewChatService(client.NewUpstreamClient(cfg, logger, m), cfg, logger)

	r, err := newRouter(cfg, handler.NewChatHandler(svc, logger), handler.NewHealthHandler(cfg, "test"), logger)
	if err != nil {
		t.Fatalf("newRouter() error = %v", err)
	}
	return function.New(newChain(cfg, r, m, logger), logger)
}

func functionConfig(t *testing.T, prefix string) *config.Config {
	t.Helper()
	cfg, err := config.Load(&config.CLI{
		URLPrefix: prefix,
		Mode:      config.ModeFunction,
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

func TestInvoke(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		event      string
		wantStatus int
		wantError  string
	}{
		{"health", "", `{"method":"GET","url":"/health"}`, http.StatusOK, ""},
		{"prefixed health", "/api", `{"method":"GET","url":"/api/v1/health"}`, http.StatusOK, ""},
		{"missing bearer", "", `{"method":"POST","url":"/v1/chat/completions","headers":{"content-type":"application/json"},"body":"{}"}`, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"broken json body", "", `{"method":"POST","url":"/v1/chat/completions","headers":{"content-type":"application/json","authorization":"Bearer tok"},"body":"{\"messages\":"}`, http.StatusBadRequest, "MALFORMED_REQUEST"},
		{"unknown route", "", `{"method":"GET","url":"/v1/models"}`, http.StatusNotFound, "NOT_FOUND_ROUTE"},
		{"garbage event", "", `not json`, http.StatusInternalServerError, "INTERNAL"},
		{"preflight", "", `{"method":"OPTIONS","url":"/v1/chat/completions","headers":{"Origin":"https://app.example.com","Access-Control-Request-Method":"POST"}}`, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, functionConfig(t, tt.prefix))

			var out bytes.Buffer
			if err := invoke(context.Background(), a, "", strings.NewReader(tt.event), &out); err != nil {
				t.Fatalf("invoke() error = %v", err)
			}

			resp, err := http.ReadResponse(bufio.NewReader(&out), nil)
			if err != nil {
				t.Fatalf("reply is not an HTTP response: %v\n%s", err, out.String())
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantError != "" {
				if got := gjson.GetBytes(body, "error").String(); got != tt.wantError {
					t.Errorf("error = %q, want %q", got, tt.wantError)
				}
			}
		})
	}
}

func TestInvoke_UnreadableEventStillReplies(t *testing.T) {
	a := newTestAdapter(t, functionConfig(t, ""))

	var out bytes.Buffer
	err := invoke(context.Background(), a, filepath.Join(t.TempDir(), "missing.json"), nil, &out)
	if err == nil {
		t.Fatal("invoke() expected a read error")
	}
	if !strings.HasPrefix(out.String(), "HTTP/1.1 500") {
		t.Errorf("reply = %q, want a 500 response", out.String())
	}
}

func TestModeFor(t *testing.T) {
	if got := config.ModeFor("invoke"); got != config.ModeFunction {
		t.Errorf("ModeFor(invoke) = %q", got)
	}
	if got := config.ModeFor("serve"); got != config.ModeServer {
		t.Errorf("ModeFor(serve) = %q", got)
	}
}
