// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE STATE
// =============================================================================

// MessageState tracks the completion state of a message.
// A message is partial while its content is still being streamed; at most one
// message per session may be partial at any instant.
type MessageState string

const (
	// StateComplete is a fully received message.
	StateComplete MessageState = "complete"
	// StatePartial is a message whose content is still being streamed.
	StatePartial MessageState = "partial"
	// StateAborted is a message cut short by cancellation or a stream error.
	// Its content is whatever had accumulated at the time of the cut.
	StateAborted MessageState = "aborted"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string       `json:"content"`
	State   MessageState `json:"state"`

	// Streaming accumulation (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	pending strings.Builder

	// Performance metrics (for assistant messages)
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	TokenCount    int           `json:"token_count,omitempty"`
}

// NewMessage creates a complete message with a generated ID.
func NewMessage(sessionID string, role Role, content string) *Message {
	return &Message{
		ID:        NewID("msg"),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		State:     StateComplete,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a complete user message.
func NewUserMessage(sessionID, content string) *Message {
	return NewMessage(sessionID, RoleUser, content)
}

// NewAssistantMessage creates an empty partial assistant message, ready to
// receive streamed deltas.
func NewAssistantMessage(sessionID string) *Message {
	return &Message{
		ID:        NewID("msg"),
		SessionID: sessionID,
		Role:      RoleAssistant,
		State:     StatePartial,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendDelta appends a streamed chunk to a partial message.
// Deltas on non-partial messages are ignored.
func (m *Message) AppendDelta(chunk string) {
	if m.State == StatePartial {
		m.pending.WriteString(chunk)
	}
}

// Finalize merges accumulated deltas into Content and marks the message with
// the given terminal state. Finalizing a non-partial message is a no-op.
func (m *Message) Finalize(state MessageState, stats *Statistics) {
	if m.State != StatePartial {
		return
	}
	m.Content = m.pending.String()
	m.pending.Reset()
	m.State = state

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
		m.TokenCount = stats.CompletionTokens
	}
}

// DisplayContent returns the content to show: accumulated deltas while the
// message is partial, the final content afterwards.
func (m *Message) DisplayContent() string {
	if m.State == StatePartial {
		return m.pending.String()
	}
	return m.Content
}

// Preview returns a single-line, rune-safe truncated preview of the content.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.DisplayContent(), "\n", " ")
	content = strings.ReplaceAll(content, "\r", "")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content, streamed or final.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.pending.Len() == 0
}

// EstimateTokens gives a rough token estimate (~4 characters per token).
func (m *Message) EstimateTokens() int {
	return (len(m.DisplayContent()) + 3) / 4
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token count information for one generation.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	CompletionTokens int

	// Derived metrics (computed on Finalize)
	TTFT            time.Duration
	TotalDuration   time.Duration
	TokensPerSecond float64
}

// NewStatistics creates a Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// RecordFirstToken records when the first token was received.
func (s *Statistics) RecordFirstToken() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
}

// Finalize computes the derived statistics.
func (s *Statistics) Finalize(tokenCount int) {
	s.EndTime = time.Now()
	s.CompletionTokens = tokenCount
	s.TotalDuration = s.EndTime.Sub(s.StartTime)
	if s.TotalDuration > 0 {
		s.TokensPerSecond = float64(tokenCount) / s.TotalDuration.Seconds()
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// NewID creates a unique, prefixed identifier.
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
