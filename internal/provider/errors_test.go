// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAPIErrorSentinelMapping(t *testing.T) {
	tests := []struct {
		status int
		target error
		want   bool
	}{
		{401, ErrAuthFailed, true},
		{403, ErrAuthFailed, true},
		{429, ErrRateLimited, true},
		{500, ErrAuthFailed, false},
		{500, ErrRateLimited, false},
	}
	for _, tt := range tests {
		err := &APIError{Provider: "deepseek", Status: tt.status}
		if got := errors.Is(err, tt.target); got != tt.want {
			t.Errorf("status %d Is(%v) = %v, want %v", tt.status, tt.target, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited sentinel", ErrRateLimited, true},
		{"429 api error", &APIError{Status: 429}, true},
		{"500 api error", &APIError{Status: 500}, true},
		{"503 api error", &APIError{Status: 503}, true},
		{"401 api error", &APIError{Status: 401}, false},
		{"400 api error", &APIError{Status: 400}, false},
		{"auth sentinel", ErrAuthFailed, false},
		{"not configured", ErrNotConfigured, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"wrapped 502", fmt.Errorf("turn failed: %w", &APIError{Status: 502}), true},
		{"stream error wrapping 500", &StreamError{Partial: "x", Err: &APIError{Status: 500}}, true},
		{"stream error wrapping 401", &StreamError{Partial: "x", Err: &APIError{Status: 401}}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStreamErrorUnwrap(t *testing.T) {
	inner := &APIError{Status: 502, Message: "bad gateway"}
	err := &StreamError{Partial: "partial text", Err: inner}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("StreamError should unwrap to APIError")
	}
	if apiErr.Status != 502 {
		t.Errorf("status = %d", apiErr.Status)
	}
}
