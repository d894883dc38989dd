// Package model defines the chat-completions wire types shared by the
// handler, service and upstream client.
package model

import "encoding/json"

// DefaultModel is used when a completion request names no model.
const DefaultModel = "kimi"

// Message is one turn of a conversation. Content is either a string or a
// list of content parts, so it is kept raw.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// CompletionRequest is the body of POST /v1/chat/completions. The same
// shape is forwarded to the chat provider.
type CompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Chunk object fields.
const (
	ChunkObject   = "chat.completion.chunk"
	ChunkIDPrefix = "chatcmpl-"
)

// DoneFrame terminates a completion event stream.
var DoneFrame = []byte("[DONE]")
