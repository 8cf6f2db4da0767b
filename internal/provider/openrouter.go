// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "time"

// OpenRouterName is the provider identifier for OpenRouter.
const OpenRouterName = "openrouter"

// openRouterModels is a curated catalog of commonly used models; OpenRouter
// routes to many more, and any model ID it accepts works here.
var openRouterModels = []ModelInfo{
	{ID: "openai/gpt-4o", Name: "GPT-4o", ContextSize: 128000},
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
	{ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
	{ID: "google/gemini-flash-1.5", Name: "Gemini 1.5 Flash", ContextSize: 1000000},
	{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B", ContextSize: 131072},
}

// NewOpenRouter creates the OpenRouter adapter. OpenRouter asks clients to
// identify themselves via the X-Title and HTTP-Referer headers.
func NewOpenRouter(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return NewClient(Options{
		Name:    OpenRouterName,
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
		ExtraHeaders: map[string]string{
			"X-Title":      "Corsie",
			"HTTP-Referer": "https://github.com/corsie-chat/corsie",
		},
		Models: openRouterModels,
	})
}
