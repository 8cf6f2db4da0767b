// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates no API key is set for the provider.
	// This is an expected state, not a fault: the application runs without
	// keys and surfaces this only when a request is attempted.
	ErrNotConfigured = errors.New("provider not configured: no API key set")

	// ErrAuthFailed indicates the API key was rejected (401/403).
	ErrAuthFailed = errors.New("authentication failed: invalid API key")

	// ErrRateLimited indicates the provider returned 429.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrEmptyResponse indicates the provider returned no content.
	ErrEmptyResponse = errors.New("provider returned empty response")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// APIError is a non-2xx response from the provider API.
type APIError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error (HTTP %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s API error (HTTP %d)", e.Provider, e.Status)
}

// Is maps status codes onto the sentinel errors so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == 401 || e.Status == 403
	case ErrRateLimited:
		return e.Status == 429
	}
	return false
}

// StreamError is a failure that occurred after streaming began. Partial holds
// the content accumulated before the failure so callers can preserve it.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// IsTransient reports whether an error is worth retrying: rate limits,
// server-side failures and network problems. Auth failures, bad requests,
// missing configuration and cancellation are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrAuthFailed) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return IsTransient(streamErr.Err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Connection resets and similar transport failures surface as *url.Error
	// wrapping an *net.OpError; both implement net.Error and are caught above.
	return false
}
