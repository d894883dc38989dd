package handler

import (
	"net/http"

	"chat-gateway-go/internal/pipeline"
)

// CompletionsRoute is the canonical route quoted to clients that miss it.
const CompletionsRoute = "POST -> /v1/chat/completions"

// Routes returns the declarative route table.
func Routes(chat *ChatHandler, health *HealthHandler) []pipeline.Group {
	return []pipeline.Group{
		{
			Prefix: "/v1",
			Routes: map[string]map[string]pipeline.Handler{
				http.MethodPost: {
					"/chat/completions": chat.Completions,
				},
				http.MethodGet: {
					"/health": health.Health,
				},
			},
		},
		{
			Routes: map[string]map[string]pipeline.Handler{
				http.MethodGet: {
					"/health": health.Health,
					"/status": health.Status,
				},
			},
		},
	}
}
