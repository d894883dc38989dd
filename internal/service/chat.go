// Package service implements chat completion orchestration on top of a
// chat provider.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/stream"
)

// Provider is the chat backend. credential is the caller's bearer token,
// forwarded as-is.
//
// CompletionStream yields one upstream chunk object (JSON) per element and
// io.EOF when the upstream finishes.
type Provider interface {
	Completion(ctx context.Context, req *model.CompletionRequest, credential string) (json.RawMessage, error)
	CompletionStream(ctx context.Context, req *model.CompletionRequest, credential string) (stream.Stream, error)
}

// ChatService validates completion requests and adapts provider output to
// the chat-completions wire format.
type ChatService struct {
	provider     Provider
	defaultModel string
	logger       *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewChatService creates a ChatService.
func NewChatService(p Provider, cfg *config.Config, logger *slog.Logger) *ChatService {
	def := cfg.Upstream.DefaultModel
	if def == "" {
		def = model.DefaultModel
	}
	return &ChatService{
		provider:     p,
		defaultModel: def,
		logger:       logger.With("component", "chat_service"),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Complete runs a non-streaming completion and returns the provider's
// completion object.
func (s *ChatService) Complete(ctx context.Context, req *model.CompletionRequest, credential string) (json.RawMessage, error) {
	if err := s.prepare(req); err != nil {
		return nil, err
	}

	raw, err := s.provider.Completion(ctx, req, credential)
	if err != nil {
		s.logger.Error("completion failed", "model", req.Model, "err", err)
		return nil, apperr.FromUpstream(err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, apperr.New(apperr.KindUpstreamFailure, "upstream returned an invalid completion")
	}
	return raw, nil
}

// CompleteStream starts a streaming completion. The returned stream yields
// chat.completion.chunk objects followed by a final [DONE] marker; the marker
// is only produced when the provider finishes normally.
func (s *ChatService) CompleteStream(ctx context.Context, req *model.CompletionRequest, credential string) (stream.Stream, error) {
	if err := s.prepare(req); err != nil {
		return nil, err
	}

	src, err := s.provider.CompletionStream(ctx, req, credential)
	if err != nil {
		s.logger.Error("completion stream failed", "model", req.Model, "err", err)
		return nil, apperr.FromUpstream(err)
	}

	id := model.ChunkIDPrefix + s.newID()
	created := s.now().Unix()
	s.logger.Debug("completion stream started", "id", id, "model", req.Model)

	return stream.Append(stream.Map(src, s.reframe(id, req.Model, created)), model.DoneFrame), nil
}

// prepare fills defaults and validates the request in place.
func (s *ChatService) prepare(req *model.CompletionRequest) error {
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if len(req.Messages) == 0 {
		return apperr.New(apperr.KindMalformedRequest, "messages must be a non-empty array")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return apperr.Newf(apperr.KindMalformedRequest, "messages[%d].role is required", i)
		}
	}
	return nil
}

// reframe returns a chunk mapper that rewrites upstream chunks into
// chat.completion.chunk objects under a stable id. Chunks without a choice
// (keep-alives, usage-only frames without choices) are dropped unless they
// carry usage.
func (s *ChatService) reframe(id, modelName string, created int64) func([]byte) ([]byte, error) {
	return func(chunk []byte) ([]byte, error) {
		if !gjson.ValidBytes(chunk) {
			return nil, apperr.New(apperr.KindUpstreamFailure, "upstream sent a malformed stream chunk")
		}
		choice := gjson.GetBytes(chunk, "choices.0")
		usage := gjson.GetBytes(chunk, "usage")
		if !choice.Exists() && !usage.IsObject() {
			return nil, nil
		}

		b := &chunkBuilder{buf: []byte(`{}`)}
		b.set("id", id)
		b.set("object", model.ChunkObject)
		b.set("created", created)
		b.set("model", modelName)
		b.setRaw("choices", `[{"index":0,"delta":{},"finish_reason":null}]`)

		if choice.Exists() {
			delta := choice.Get("delta")
			if role := delta.Get("role"); role.Type == gjson.String {
				b.set("choices.0.delta.role", role.String())
			}
			if content := delta.Get("content"); content.Type == gjson.String {
				b.set("choices.0.delta.content", content.String())
			}
			if finish := choice.Get("finish_reason"); finish.Type == gjson.String {
				b.set("choices.0.finish_reason", finish.String())
			}
		} else {
			b.setRaw("choices", `[]`)
		}
		if usage.IsObject() {
			b.setRaw("usage", usage.Raw)
		}

		if b.err != nil {
			return nil, fmt.Errorf("build stream chunk: %w", b.err)
		}
		return b.buf, nil
	}
}

type chunkBuilder struct {
	buf []byte
	err error
}

func (b *chunkBuilder) set(path string, v any) {
	if b.err == nil {
		b.buf, b.err = sjson.SetBytes(b.buf, path, v)
	}
}

func (b *chunkBuilder) setRaw(path, raw string) {
	if b.err == nil {
		b.buf, b.err = sjson.SetRawBytes(b.buf, path, []byte(raw))
	}
}
