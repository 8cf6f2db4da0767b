// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"
)

// =============================================================================
// SESSION STATUS
// =============================================================================

// SessionStatus is the per-session turn state machine.
//
// Transitions:
//
//	idle → awaiting_response   (user message accepted, request sent)
//	awaiting_response → streaming  (first delta received)
//	streaming → idle           (stream completed)
//	awaiting_response|streaming → idle   (cancelled)
//	awaiting_response|streaming → error  (stream failed)
//	error → awaiting_response  (user retries with a new message)
type SessionStatus string

const (
	StatusIdle             SessionStatus = "idle"
	StatusAwaitingResponse SessionStatus = "awaiting_response"
	StatusStreaming        SessionStatus = "streaming"
	StatusError            SessionStatus = "error"
)

// CanSend reports whether a new user turn may begin in this status.
// A session in error state may accept a new turn so the user can retry.
func (s SessionStatus) CanSend() bool {
	return s == StatusIdle || s == StatusError
}

// InFlight reports whether a turn is currently being processed.
func (s SessionStatus) InFlight() bool {
	return s == StatusAwaitingResponse || s == StatusStreaming
}

// =============================================================================
// SESSION TYPE
// =============================================================================

// DefaultTitle is the title given to sessions before one is generated.
const DefaultTitle = "New Chat"

// Session represents a conversation: an ordered message history plus metadata.
// Sessions are not safe for concurrent use; the session manager serializes
// access behind its own lock.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Model is the provider model identifier used for this session's turns.
	Model string `json:"model"`

	// SystemPrompt, when set, is prepended to the request history.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// TitleSetByUser guards against auto-generated titles overwriting a
	// title the user chose explicitly.
	TitleSetByUser bool `json:"title_set_by_user,omitempty"`

	Messages []*Message    `json:"messages"`
	Status   SessionStatus `json:"status"`
}

// NewSession creates an empty idle session with a generated ID.
func NewSession(model string) *Session {
	now := time.Now()
	return &Session{
		ID:        NewID("sess"),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Model:     model,
		Messages:  []*Message{},
		Status:    StatusIdle,
	}
}

// =============================================================================
// SESSION METHODS
// =============================================================================

// AddMessage appends a message and bumps UpdatedAt.
func (s *Session) AddMessage(m *Message) {
	s.Messages = append(s.Messages, m)
	s.UpdatedAt = time.Now()
}

// PartialMessage returns the session's partial message, or nil if none.
// The invariant is at most one partial message per session; the last message
// is the only candidate.
func (s *Session) PartialMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	last := s.Messages[len(s.Messages)-1]
	if last.State == StatePartial {
		return last
	}
	return nil
}

// LastMessage returns the most recent message, or nil for an empty session.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// FirstUserMessage returns the first user message, or nil if none exists.
// Used by title generation.
func (s *Session) FirstUserMessage() *Message {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m
		}
	}
	return nil
}

// MessageCount returns the number of messages in the session.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// ClearMessages removes all messages, keeping session metadata.
func (s *Session) ClearMessages() {
	s.Messages = s.Messages[:0]
	s.UpdatedAt = time.Now()
}

// HasDefaultTitle reports whether the session still carries the placeholder
// title and has not been renamed by the user.
func (s *Session) HasDefaultTitle() bool {
	return s.Title == DefaultTitle && !s.TitleSetByUser
}

// Touch bumps UpdatedAt to now.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// Meta returns lightweight listing metadata for the session.
func (s *Session) Meta() SessionMeta {
	meta := SessionMeta{
		ID:           s.ID,
		Title:        s.Title,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		Model:        s.Model,
		MessageCount: len(s.Messages),
	}
	if last := s.LastMessage(); last != nil {
		meta.Preview = last.Preview(80)
	}
	return meta
}

// =============================================================================
// SESSION METADATA
// =============================================================================

// SessionMeta is a lightweight view of a session used in listings.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview,omitempty"`
}
