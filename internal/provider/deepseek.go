// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import "time"

// DeepSeekName is the provider identifier for DeepSeek.
const DeepSeekName = "deepseek"

// deepSeekModels is the known catalog. DeepSeek exposes a small, stable set.
var deepSeekModels = []ModelInfo{
	{ID: "deepseek-chat", Name: "DeepSeek Chat (V3)", ContextSize: 64000},
	{ID: "deepseek-reasoner", Name: "DeepSeek Reasoner (R1)", ContextSize: 64000},
}

// NewDeepSeek creates the DeepSeek adapter. An empty apiKey is accepted;
// requests then fail with ErrNotConfigured.
func NewDeepSeek(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	return NewClient(Options{
		Name:    DeepSeekName,
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: timeout,
		Models:  deepSeekModels,
	})
}
