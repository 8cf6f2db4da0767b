// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRequest() ChatRequest {
	return ChatRequest{
		Model:       "deepseek-chat",
		Messages:    []ChatMessage{{Role: "user", Content: "hello"}},
		Temperature: 0.7,
		MaxTokens:   100,
	}
}

func newTestClient(url string) *Client {
	return NewClient(Options{
		Name:    "test",
		BaseURL: url,
		APIKey:  "sk-test",
		Timeout: 5 * time.Second,
	})
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("Complete must not set stream")
		}
		fmt.Fprint(w, `{"model":"deepseek-chat","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hi there" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCompleteNotConfigured(t *testing.T) {
	c := NewClient(Options{Name: "test", BaseURL: "http://localhost:0"})
	_, err := c.Complete(context.Background(), testRequest())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		target error
	}{
		{401, `{"error":{"message":"invalid key","code":"invalid_api_key"}}`, ErrAuthFailed},
		{429, `{"error":{"message":"slow down"}}`, ErrRateLimited},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			fmt.Fprint(w, tt.body)
		}))
		_, err := newTestClient(srv.URL).Complete(context.Background(), testRequest())
		srv.Close()

		if !errors.Is(err, tt.target) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.target)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: error type = %T", tt.status, err)
		}
		if apiErr.Status != tt.status {
			t.Errorf("apiErr.Status = %d", apiErr.Status)
		}
	}
}

func TestStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var got []string
	var done bool
	err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(c StreamChunk) error {
		if c.Content != "" {
			got = append(got, c.Content)
		}
		if c.Done {
			done = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []string{"Hel", "lo", " world"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !done {
		t.Error("final Done chunk not delivered")
	}
}

func TestStreamCallbackErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	abort := errors.New("stop now")
	calls := 0
	err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(c StreamChunk) error {
		calls++
		return abort
	})
	if !errors.Is(err, abort) {
		t.Errorf("err = %v, want callback error", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times after abort", calls)
	}
}

func TestStreamHTTPErrorBeforeAnyDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(c StreamChunk) error {
		t.Error("callback must not run on HTTP error")
		return nil
	})
	if !IsTransient(err) {
		t.Errorf("503 should be transient, got %v", err)
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		t.Error("no StreamError expected before first delta")
	}
}

func TestStreamCancelledContext(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := newTestClient(srv.URL).Stream(ctx, testRequest(), func(c StreamChunk) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestAdapterCatalogs(t *testing.T) {
	ds := NewDeepSeek("", "", 0)
	if ds.Name() != DeepSeekName {
		t.Errorf("name = %q", ds.Name())
	}
	if len(ds.Models()) == 0 {
		t.Error("deepseek catalog empty")
	}
	if ds.Configured() {
		t.Error("empty key must be unconfigured")
	}

	or := NewOpenRouter("sk-or", "", 0)
	if or.Name() != OpenRouterName {
		t.Errorf("name = %q", or.Name())
	}
	if !or.Configured() {
		t.Error("openrouter with key should be configured")
	}
}
