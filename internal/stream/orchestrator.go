// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream drives one streamed completion turn from start to outcome.
//
// The orchestrator owns the retry policy and the cancellation semantics;
// provider adapters stay retry-free. Every turn ends in exactly one of three
// outcomes: complete, error or cancelled.
package stream

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corsie-chat/corsie/internal/model"
	"github.com/corsie-chat/corsie/internal/provider"
)

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the terminal state of a turn.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrCancelled reports that the turn was cancelled by the user.
var ErrCancelled = errors.New("turn cancelled")

// Result is the single terminal report of a turn. Content holds everything
// delivered before the outcome, so partial output survives errors and
// cancellation.
type Result struct {
	Outcome Outcome
	Content string
	Err     error
	Stats   *model.Statistics
}

// Callbacks receive turn progress. OnDelta is called once per chunk in
// arrival order; OnFinish is called exactly once.
type Callbacks struct {
	OnDelta  func(content string)
	OnFinish func(Result)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Options configures the retry policy.
type Options struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay is the first backoff delay; it doubles per retry.
	BaseDelay time.Duration
}

// DefaultOptions returns the default retry policy: 2 retries, 1s base delay.
func DefaultOptions() Options {
	return Options{MaxRetries: 2, BaseDelay: time.Second}
}

// maxBackoff caps the exponential backoff delay.
const maxBackoff = 10 * time.Second

// calculateBackoff returns the delay before retry number attempt (0-based).
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base * (1 << attempt)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs streamed turns with retry and cancellation handling.
type Orchestrator struct {
	opts Options
}

// New creates an orchestrator. Zero-value options fall back to defaults.
func New(opts Options) *Orchestrator {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions().BaseDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Orchestrator{opts: opts}
}

// Handle controls one in-flight turn.
type Handle struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
	finish    sync.Once
	done      chan struct{}
}

// Cancel requests cancellation. Safe to call at any time, from any
// goroutine, and more than once. If the turn already finished it is a no-op.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Done is closed after the outcome has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// StartTurn begins a streamed completion and returns immediately. Progress
// and the single terminal outcome are reported through cb.
func (o *Orchestrator) StartTurn(ctx context.Context, p provider.Provider, req provider.ChatRequest, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go o.run(ctx, h, p, req, cb)
	return h
}

// run executes the attempt loop. It must deliver exactly one outcome.
func (o *Orchestrator) run(ctx context.Context, h *Handle, p provider.Provider, req provider.ChatRequest, cb Callbacks) {
	defer h.cancel()

	var (
		content strings.Builder
		stats   = model.NewStatistics()
		tokens  int
	)

	finish := func(outcome Outcome, err error) {
		h.finish.Do(func() {
			if tokens == 0 {
				// No usage report: approximate from delivered chunks.
				tokens = (content.Len() + 3) / 4
			}
			stats.Finalize(tokens)
			if cb.OnFinish != nil {
				cb.OnFinish(Result{
					Outcome: outcome,
					Content: content.String(),
					Err:     err,
					Stats:   stats,
				})
			}
			close(h.done)
		})
	}

	for attempt := 0; ; attempt++ {
		err := p.Stream(ctx, req, func(chunk provider.StreamChunk) error {
			// Cancel flag is checked before every chunk is applied.
			if h.cancelled.Load() {
				return ErrCancelled
			}
			if chunk.Usage != nil {
				tokens = chunk.Usage.CompletionTokens
			}
			if chunk.Content == "" {
				return nil
			}
			stats.RecordFirstToken()
			content.WriteString(chunk.Content)
			if cb.OnDelta != nil {
				cb.OnDelta(chunk.Content)
			}
			return nil
		})

		if h.cancelled.Load() || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			finish(OutcomeCancelled, ErrCancelled)
			return
		}
		if err == nil {
			finish(OutcomeComplete, nil)
			return
		}

		// Retries happen only before any delta has been delivered. Once
		// output reached the caller, retrying would duplicate or reorder
		// chunks, so mid-stream failures are terminal.
		if content.Len() > 0 || !provider.IsTransient(err) || attempt >= o.opts.MaxRetries {
			finish(OutcomeError, err)
			return
		}

		delay := calculateBackoff(o.opts.BaseDelay, attempt)
		log.Printf("stream: attempt %d/%d failed (%v), retrying in %s",
			attempt+1, o.opts.MaxRetries+1, err, delay)

		select {
		case <-ctx.Done():
			finish(OutcomeCancelled, ErrCancelled)
			return
		case <-time.After(delay):
		}
	}
}
