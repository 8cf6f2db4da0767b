// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	chatCompletionsPath = "/chat/completions"

	// DefaultTimeout bounds one completion request end to end.
	DefaultTimeout = 120 * time.Second

	// Client-side pacing: keeps bursts of requests (title generation right
	// after a turn, rapid retries) from tripping provider rate limits.
	requestsPerSecond = 2
	requestBurst      = 4

	// maxErrorBodySize bounds how much of an error response body is read.
	maxErrorBodySize = 64 * 1024
)

// =============================================================================
// WIRE TYPES (OpenAI-compatible chat completions)
// =============================================================================

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures an OpenAI-compatible client.
type Options struct {
	Name         string
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	ExtraHeaders map[string]string
	Models       []ModelInfo
}

// Client speaks the OpenAI-compatible chat-completions protocol. The DeepSeek
// and OpenRouter adapters are thin constructors over this type.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	headers map[string]string
	models  []ModelInfo
}

// NewClient creates a client from options.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		headers: opts.ExtraHeaders,
		models:  opts.Models,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return c.name
}

// Models returns the known model catalog.
func (c *Client) Models() []ModelInfo {
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	return out
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete performs a blocking, non-streamed completion.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return &ChatResponse{
		Content:      wire.Choices[0].Message.Content,
		Model:        wire.Model,
		FinishReason: wire.Choices[0].FinishReason,
		Usage:        wire.Usage,
	}, nil
}

// =============================================================================
// STREAM
// =============================================================================

// Stream performs a streamed completion. Chunks are delivered to cb in wire
// order. Failures after the first delta return a *StreamError carrying the
// accumulated partial content. Stream does NOT retry.
func (c *Client) Stream(ctx context.Context, req ChatRequest, cb StreamCallback) error {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var partial strings.Builder
	reader := NewSSEReader(resp.Body)
	for {
		payload, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Respect the caller's cancellation over the transport error
			// it causes.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if partial.Len() > 0 {
				return &StreamError{Partial: partial.String(), Err: err}
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Skip malformed keepalive-style payloads rather than killing
			// an otherwise healthy stream.
			continue
		}

		out := StreamChunk{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			out.Content = chunk.Choices[0].Delta.Content
			out.FinishReason = chunk.Choices[0].FinishReason
		}
		if out.Content == "" && out.FinishReason == "" && out.Usage == nil {
			continue
		}
		if out.Content != "" {
			partial.WriteString(out.Content)
		}
		if err := cb(out); err != nil {
			return err
		}
	}

	// Final marker so callers can observe clean termination.
	return cb(StreamChunk{Done: true})
}

// =============================================================================
// HTTP MECHANICS
// =============================================================================

func (c *Client) post(ctx context.Context, req ChatRequest, stream bool) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	// PERFORMANCE: client-side pacing before the request leaves the process
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := c.baseURL + chatCompletionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, stream)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	// Never log keys or bodies; method, path, status and latency only.
	log.Printf("provider: %s POST %s -> %d (%s)",
		c.name, chatCompletionsPath, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.handleErrorResponse(resp)
	}
	return resp, nil
}

// setHeaders sets auth and content headers plus any adapter extras.
func (c *Client) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// handleErrorResponse maps a non-2xx response onto the error taxonomy.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{
		Provider: c.name,
		Status:   resp.StatusCode,
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err == nil {
		var wire wireError
		if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
			apiErr.Message = wire.Error.Message
			if wire.Error.Code != nil {
				apiErr.Code = fmt.Sprintf("%v", wire.Error.Code)
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
