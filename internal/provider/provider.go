// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider contains the chat completion adapters.
//
// Both supported backends (DeepSeek and OpenRouter) speak the
// OpenAI-compatible chat-completions wire format, so a shared client carries
// the HTTP and SSE mechanics and each adapter supplies its endpoint, headers
// and model catalog. Adapters never retry; retry policy belongs to the
// streaming orchestrator.
package provider

import "context"

// =============================================================================
// WIRE-NEUTRAL TYPES
// =============================================================================

// ChatMessage is one turn of conversation history sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a complete (non-streamed) completion.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// StreamChunk is one delta from a streamed completion. Done is set on the
// final chunk, which may also carry usage totals.
type StreamChunk struct {
	Content      string
	Done         bool
	FinishReason string
	Usage        *Usage
}

// StreamCallback receives chunks in arrival order. Returning an error aborts
// the stream; the error is propagated to the Stream caller.
type StreamCallback func(chunk StreamChunk) error

// ModelInfo describes one entry of a provider's model catalog.
type ModelInfo struct {
	ID          string
	Name        string
	ContextSize int
}

// =============================================================================
// PROVIDER INTERFACE
// =============================================================================

// Provider is a chat completion backend.
type Provider interface {
	// Name returns the provider identifier ("deepseek", "openrouter").
	Name() string

	// Models returns the known model catalog.
	Models() []ModelInfo

	// Configured reports whether the provider has an API key. An
	// unconfigured provider is a valid state; its requests fail with
	// ErrNotConfigured.
	Configured() bool

	// Complete performs a blocking, non-streamed completion.
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream performs a streamed completion, delivering chunks to cb in
	// order. On failure after the first delta, the returned error is a
	// *StreamError carrying the partial content.
	Stream(ctx context.Context, req ChatRequest, cb StreamCallback) error
}
