// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the conversation lifecycle.
//
// The Manager holds all sessions behind one mutex and runs the per-session
// turn state machine. Critical sections are short and never block: provider
// calls, end-of-turn store writes and event publishing all happen outside
// the lock, so turns in different sessions stream concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/corsie-chat/corsie/internal/model"
	"github.com/corsie-chat/corsie/internal/provider"
	"github.com/corsie-chat/corsie/internal/store"
	"github.com/corsie-chat/corsie/internal/stream"
	"github.com/corsie-chat/corsie/internal/title"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound mirrors the store sentinel so callers need only one.
	ErrSessionNotFound = store.ErrSessionNotFound

	// ErrInvalidState indicates a turn is already in flight for the session.
	ErrInvalidState = errors.New("a turn is already in flight for this session")

	// ErrEmptyMessage indicates the user message had no content.
	ErrEmptyMessage = errors.New("message content is empty")

	// ErrEmptyTitle indicates a rename to an empty title.
	ErrEmptyTitle = errors.New("title must not be empty")
)

// =============================================================================
// CONFIG
// =============================================================================

// Config is the slice of application configuration the manager needs.
type Config struct {
	// DefaultModel is assigned to newly created sessions.
	DefaultModel string
	// SystemPrompt is used when a session has no prompt of its own.
	SystemPrompt string
	// AutoSave persists messages as they are finalized.
	AutoSave bool
	// AutoRename generates a title after the first completed exchange.
	AutoRename bool

	// Generation parameters applied to every turn.
	Temperature float64
	MaxTokens   int
	// Stream disables chunked delivery when false: the reply arrives as a
	// single delta once the provider completes it.
	Stream bool
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager coordinates sessions, streaming turns and persistence.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	handles  map[string]*stream.Handle
	activeID string

	store    *store.Store
	orch     *stream.Orchestrator
	titler   *title.Generator
	provider provider.Provider
	cfg      Config
	bus      *eventBus
}

// NewManager creates a manager over the given store and orchestrator.
// Call Load before use and SetProvider before sending messages.
func NewManager(st *store.Store, orch *stream.Orchestrator, cfg Config) *Manager {
	return &Manager{
		sessions: make(map[string]*model.Session),
		handles:  make(map[string]*stream.Handle),
		store:    st,
		orch:     orch,
		titler:   title.NewGenerator(),
		cfg:      cfg,
		bus:      newEventBus(),
	}
}

// SetProvider installs the active provider adapter.
func (m *Manager) SetProvider(p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provider = p
}

// Provider returns the active provider, which may be nil.
func (m *Manager) Provider() provider.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider
}

// SetConfig replaces the manager configuration. Used on config hot reload;
// in-flight turns keep the parameters they started with.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Load reads all persisted sessions into memory and picks the most recently
// updated as active. When the store is empty a fresh session is created so
// the application always has somewhere to type.
func (m *Manager) Load() error {
	sessions, err := m.store.LoadSessions()
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	if len(sessions) > 0 {
		m.activeID = sessions[0].ID
		return nil
	}

	sess := model.NewSession(m.cfg.DefaultModel)
	if err := m.store.SaveSession(sess); err != nil {
		return fmt.Errorf("failed to create initial session: %w", err)
	}
	m.sessions[sess.ID] = sess
	m.activeID = sess.ID
	return nil
}

// Close cancels all in-flight turns, waits for their outcomes and closes the
// event bus. The store is owned by the caller and stays open.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := make([]*stream.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
		<-h.Done()
	}
	m.bus.close()
}

// =============================================================================
// SESSION CRUD
// =============================================================================

// CreateSession creates, persists and activates a new session. An empty
// modelID falls back to the configured default model.
func (m *Manager) CreateSession(modelID string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if modelID == "" {
		modelID = m.cfg.DefaultModel
	}
	sess := model.NewSession(modelID)
	if err := m.store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}
	m.sessions[sess.ID] = sess
	m.activeID = sess.ID
	return sess, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Active returns the currently active session.
func (m *Manager) Active() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[m.activeID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SetActive switches the active session.
func (m *Manager) SetActive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	m.activeID = id
	return nil
}

// List returns metadata for all sessions, most recently updated first.
func (m *Manager) List() []model.SessionMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	metas := make([]model.SessionMeta, 0, len(m.sessions))
	for _, s := range m.sessions {
		metas = append(metas, s.Meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas
}

// Search finds sessions by title or message content.
func (m *Manager) Search(query string) ([]model.SessionMeta, error) {
	return m.store.SearchSessions(query)
}

// Stats reports store-level statistics.
func (m *Manager) Stats() (store.Stats, error) {
	return m.store.Stats()
}

// Rename sets a user-chosen title. User titles are never overwritten by
// generated ones.
func (m *Manager) Rename(id, newTitle string) error {
	newTitle = strings.TrimSpace(newTitle)
	if newTitle == "" {
		return ErrEmptyTitle
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.Title = newTitle
	sess.TitleSetByUser = true
	sess.Touch()
	err := m.store.SaveSession(sess)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to persist rename: %w", err)
	}
	m.bus.publish(Event{Type: EventTitle, SessionID: id, Content: newTitle})
	return nil
}

// Delete removes a session and its history. An in-flight turn is cancelled
// and awaited first, so its finalize becomes a no-op. Handles stay
// registered through end-of-turn persistence, so the await also orders the
// row removal after a finishing turn's writes.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	handle := m.handles[id]
	delete(m.sessions, id)
	delete(m.handles, id)
	if m.activeID == id {
		m.activeID = m.mostRecentIDLocked()
	}
	m.mu.Unlock()

	if handle != nil {
		handle.Cancel()
		<-handle.Done()
	}

	if err := m.store.DeleteSession(id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ClearMessages wipes a session's history, keeping the session itself.
func (m *Manager) ClearMessages(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status.InFlight() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	sess.ClearMessages()
	sess.Status = model.StatusIdle
	err := m.store.ClearMessages(id)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// mostRecentIDLocked returns the most recently updated session id, or "".
func (m *Manager) mostRecentIDLocked() string {
	var (
		bestID string
		best   *model.Session
	)
	for id, s := range m.sessions {
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			bestID, best = id, s
		}
	}
	return bestID
}

// =============================================================================
// TURNS
// =============================================================================

// SendMessage appends a user message and starts a streamed assistant turn.
// It returns once the turn is started; progress arrives via events.
//
// Returns ErrInvalidState while a turn is in flight, ErrSessionNotFound for
// unknown sessions and provider.ErrNotConfigured when no API key is set.
func (m *Manager) SendMessage(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.Status.InFlight() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	if _, busy := m.handles[id]; busy {
		// The previous turn finished streaming but its store writes have
		// not landed yet; admitting a turn now would orphan its handle.
		m.mu.Unlock()
		return ErrInvalidState
	}
	p := m.provider
	if p == nil || !p.Configured() {
		m.mu.Unlock()
		return provider.ErrNotConfigured
	}
	if !m.cfg.Stream {
		// Non-streamed mode reuses the same turn machinery; the whole reply
		// arrives as a single delta.
		p = completeOnce{p}
	}

	user := model.NewUserMessage(sess.ID, content)
	sess.AddMessage(user)
	sess.Status = model.StatusAwaitingResponse

	// The partial assistant message is created up front; the session's
	// single-partial invariant holds because sends are rejected while a
	// turn is in flight.
	asst := model.NewAssistantMessage(sess.ID)
	sess.AddMessage(asst)

	req := m.buildRequestLocked(sess)
	autoSave := m.cfg.AutoSave
	m.mu.Unlock()

	if autoSave {
		if err := m.store.AppendMessage(user); err != nil {
			// Roll the turn back: nothing was sent yet.
			m.mu.Lock()
			m.removeMessageLocked(sess, asst)
			m.removeMessageLocked(sess, user)
			sess.Status = model.StatusIdle
			m.mu.Unlock()
			return fmt.Errorf("failed to persist user message: %w", err)
		}
	}

	// RELIABILITY: the turn starts and its handle registers in one critical
	// section, so Delete always finds a handle to cancel and await; a turn
	// never runs unregistered.
	m.mu.Lock()
	if _, stillThere := m.sessions[id]; !stillThere {
		// Deleted while the user message was persisting; the cascade took
		// its rows with it.
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	h := m.orch.StartTurn(ctx, p, req, stream.Callbacks{
		OnDelta:  func(c string) { m.applyDelta(id, asst, c) },
		OnFinish: func(r stream.Result) { m.finishTurn(id, asst, r) },
	})
	m.handles[id] = h
	m.mu.Unlock()
	return nil
}

// Cancel aborts the in-flight turn of a session. Cancelling a session with
// no active turn is a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	handle := m.handles[id]
	m.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
}

// completeOnce adapts a provider to the streaming interface by making one
// blocking completion call and emitting the reply as a single chunk. Used
// when streaming is disabled in config.
type completeOnce struct {
	provider.Provider
}

func (c completeOnce) Stream(ctx context.Context, req provider.ChatRequest, cb provider.StreamCallback) error {
	resp, err := c.Provider.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := cb(provider.StreamChunk{Content: resp.Content}); err != nil {
		return err
	}
	return cb(provider.StreamChunk{Done: true, FinishReason: resp.FinishReason, Usage: &resp.Usage})
}

// buildRequestLocked assembles the provider request from session history.
// Only complete messages are sent; partial and aborted ones are context the
// model never produced in full.
func (m *Manager) buildRequestLocked(sess *model.Session) provider.ChatRequest {
	msgs := make([]provider.ChatMessage, 0, len(sess.Messages)+1)

	prompt := sess.SystemPrompt
	if prompt == "" {
		prompt = m.cfg.SystemPrompt
	}
	if prompt != "" {
		msgs = append(msgs, provider.ChatMessage{Role: model.RoleSystem.String(), Content: prompt})
	}

	for _, msg := range sess.Messages {
		if msg.State != model.StateComplete {
			continue
		}
		msgs = append(msgs, provider.ChatMessage{Role: msg.Role.String(), Content: msg.Content})
	}

	return provider.ChatRequest{
		Model:       sess.Model,
		Messages:    msgs,
		Temperature: m.cfg.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
	}
}

// applyDelta appends one streamed chunk to the partial assistant message.
func (m *Manager) applyDelta(id string, asst *model.Message, chunk string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		// Session deleted mid-stream; the cancel is already on its way.
		m.mu.Unlock()
		return
	}
	if sess.Status == model.StatusAwaitingResponse {
		sess.Status = model.StatusStreaming
	}
	asst.AppendDelta(chunk)
	m.mu.Unlock()

	m.bus.publish(Event{Type: EventDelta, SessionID: id, Content: chunk})
}

// finishTurn applies the turn outcome. Runs exactly once per turn; if the
// session was deleted while streaming it is a no-op.
func (m *Manager) finishTurn(id string, asst *model.Message, r stream.Result) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	var evType EventType
	kept := true
	switch r.Outcome {
	case stream.OutcomeComplete:
		asst.Finalize(model.StateComplete, r.Stats)
		sess.Status = model.StatusIdle
		evType = EventComplete
	case stream.OutcomeCancelled:
		kept = m.finalizePartialLocked(sess, asst, r.Stats)
		sess.Status = model.StatusIdle
		evType = EventCancelled
	default:
		kept = m.finalizePartialLocked(sess, asst, r.Stats)
		sess.Status = model.StatusError
		evType = EventError
	}
	sess.Touch()

	autoSave := m.cfg.AutoSave
	needTitle := r.Outcome == stream.OutcomeComplete && m.cfg.AutoRename && sess.HasDefaultTitle()
	var firstUser string
	if first := sess.FirstUserMessage(); first != nil {
		firstUser = first.Content
	}
	p := m.provider
	modelID := sess.Model
	snap := *sess
	m.mu.Unlock()

	// PERFORMANCE: store writes happen outside the lock so a slow disk never
	// stalls turns streaming in other sessions.
	var persistErr error
	if autoSave {
		if kept {
			persistErr = m.store.AppendMessage(asst)
		}
		if err := m.store.SaveSession(&snap); err != nil && persistErr == nil {
			persistErr = err
		}
	}

	// RELIABILITY: the handle deregisters only after the writes land. A
	// concurrent Delete therefore always finds it, awaits Done and removes
	// the row afterwards; a finished turn can never resurrect a deleted
	// session.
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()

	if persistErr != nil {
		// The outcome still reaches subscribers; persistence failure is
		// reported alongside it rather than eaten.
		m.bus.publish(Event{Type: EventError, SessionID: id, Err: persistErr})
	}
	m.bus.publish(Event{Type: evType, SessionID: id, Content: asst.Content, Err: r.Err})

	if needTitle {
		go m.generateTitle(id, p, modelID, firstUser)
	}
}

// finalizePartialLocked finalizes an interrupted assistant message. Empty
// partials are dropped entirely; anything with content is kept as aborted.
func (m *Manager) finalizePartialLocked(sess *model.Session, asst *model.Message, stats *model.Statistics) bool {
	if asst.IsEmpty() {
		m.removeMessageLocked(sess, asst)
		return false
	}
	asst.Finalize(model.StateAborted, stats)
	return true
}

func (m *Manager) removeMessageLocked(sess *model.Session, msg *model.Message) {
	for i, cur := range sess.Messages {
		if cur == msg {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			return
		}
	}
}

// generateTitle runs best-effort title generation after the first exchange.
func (m *Manager) generateTitle(id string, p provider.Provider, modelID, firstUser string) {
	t := m.titler.Generate(context.Background(), p, modelID, firstUser)

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || !sess.HasDefaultTitle() || t == "" || t == model.DefaultTitle {
		m.mu.Unlock()
		return
	}
	sess.Title = t
	sess.Touch()
	// Written under the lock: a concurrent Delete either removes the row
	// after this save or removes the session before the check above, so the
	// upsert cannot re-create a deleted session.
	err := m.store.SaveSession(sess)
	m.mu.Unlock()

	if err != nil {
		// Title persistence failure is not worth surfacing; next save wins.
		return
	}
	m.bus.publish(Event{Type: EventTitle, SessionID: id, Content: t})
}

// =============================================================================
// EVENTS
// =============================================================================

// Subscribe registers for session events. The returned cancel function must
// be called to release the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch, id := m.bus.subscribe()
	return ch, func() { m.bus.unsubscribe(id) }
}
