package handler

import (
	"context"
	"log/slog"

	"chat-gateway-go/internal/apperr"
	"chat-gateway-go/internal/model"
	"chat-gateway-go/internal/pipeline"
	"chat-gateway-go/internal/service"
)

// ChatHandler serves the chat-completions endpoint.
type ChatHandler struct {
	chat   *service.ChatService
	logger *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(svc *service.ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   svc,
		logger: logger.With("component", "chat_handler"),
	}
}

// Completions handles POST /v1/chat/completions. The bearer token is the
// provider credential. With "stream": true the reply is an event stream of
// completion chunks; otherwise the completion object is returned as JSON.
func (h *ChatHandler) Completions(ctx context.Context, req *pipeline.Request) (any, error) {
	token, ok := pipeline.BearerToken(req.Header)
	if !ok {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing valid Authorization Bearer token")
	}

	var body model.CompletionRequest
	if err := req.DecodeJSON(&body); err != nil {
		return nil, err
	}

	if body.Stream {
		s, err := h.chat.CompleteStream(ctx, &body, token)
		if err != nil {
			return nil, err
		}
		h.logger.Debug("streaming completion", "request_id", req.ID, "model", body.Model)
		return pipeline.NewStreamResponse(s), nil
	}

	return h.chat.Complete(ctx, &body, token)
}
