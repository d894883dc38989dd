// Package handler contains the gateway's route handlers and route table.
package handler

import (
	"context"

	"chat-gateway-go/internal/config"
	"chat-gateway-go/internal/pipeline"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health returns a simple OK response for liveness checks.
func (h *HealthHandler) Health(context.Context, *pipeline.Request) (any, error) {
	return map[string]string{
		"status": "ok",
	}, nil
}

// Status returns gateway status information.
func (h *HealthHandler) Status(context.Context, *pipeline.Request) (any, error) {
	return map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"mode":         string(h.cfg.Mode),
		"upstream_url": h.cfg.Upstream.BaseURL,
	}, nil
}
