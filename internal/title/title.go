// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title generates short session titles from the first user message.
//
// Generation is best-effort: a provider short-completion is attempted first,
// and any failure falls back silently to a truncation heuristic. The
// generator never returns an error and never produces an empty title for a
// non-empty message.
package title

import (
	"context"
	"strings"
	"time"

	"github.com/corsie-chat/corsie/internal/model"
	"github.com/corsie-chat/corsie/internal/provider"
	"github.com/corsie-chat/corsie/internal/util"
)

// Generation parameters for the title completion. Low temperature keeps
// titles literal; 50 tokens is plenty for a few words.
const (
	titleTemperature = 0.5
	titleMaxTokens   = 50
	titleTimeout     = 15 * time.Second

	// maxTitleRunes bounds the final title length.
	maxTitleRunes = 50
)

const titlePrompt = "Generate a very short title (at most six words) summarizing the " +
	"following message. Reply with the title only, without quotes or a trailing period."

// Generator produces session titles.
type Generator struct{}

// NewGenerator creates a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a title for a conversation opened by firstMessage. It
// tries a provider completion and falls back to truncating the message.
func (g *Generator) Generate(ctx context.Context, p provider.Provider, modelID, firstMessage string) string {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return model.DefaultTitle
	}

	if p != nil && p.Configured() {
		if t := g.fromProvider(ctx, p, modelID, firstMessage); t != "" {
			return t
		}
	}
	return Heuristic(firstMessage)
}

// fromProvider asks the provider for a title. Failures return "".
func (g *Generator) fromProvider(ctx context.Context, p provider.Provider, modelID, firstMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	resp, err := p.Complete(ctx, provider.ChatRequest{
		Model: modelID,
		Messages: []provider.ChatMessage{
			{Role: "system", Content: titlePrompt},
			{Role: "user", Content: firstMessage},
		},
		Temperature: titleTemperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		// Silent fallback: a failed title request must never surface.
		return ""
	}
	return sanitize(resp.Content)
}

// Heuristic derives a title from the message text alone.
func Heuristic(message string) string {
	t := util.TruncateRunes(util.CollapseWhitespace(message), maxTitleRunes)
	if t == "" {
		return model.DefaultTitle
	}
	return t
}

// sanitize reduces a model response to a clean single-line title.
func sanitize(s string) string {
	s = util.FirstLine(s)
	s = strings.Trim(s, "\"'` ")
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimSpace(s)
	return util.TruncateRunes(s, maxTitleRunes)
}
