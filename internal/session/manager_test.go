// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corsie-chat/corsie/internal/model"
	"github.com/corsie-chat/corsie/internal/provider"
	"github.com/corsie-chat/corsie/internal/store"
	"github.com/corsie-chat/corsie/internal/stream"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// fakeProvider streams a fixed chunk sequence. When hold is non-nil the
// stream blocks after the chunks until hold is closed or the context ends.
type fakeProvider struct {
	mu         sync.Mutex
	chunks     []string
	streamErr  error
	hold       chan struct{}
	titleResp  string
	configured bool
}

func (f *fakeProvider) Name() string                 { return "fake" }
func (f *fakeProvider) Models() []provider.ModelInfo { return nil }
func (f *fakeProvider) Configured() bool             { return f.configured }

func (f *fakeProvider) Complete(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titleResp == "" {
		return nil, errors.New("no completion scripted")
	}
	return &provider.ChatResponse{Content: f.titleResp}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req provider.ChatRequest, cb provider.StreamCallback) error {
	f.mu.Lock()
	chunks := f.chunks
	hold := f.hold
	streamErr := f.streamErr
	f.mu.Unlock()

	for _, c := range chunks {
		if err := cb(provider.StreamChunk{Content: c}); err != nil {
			return err
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if streamErr != nil {
		return streamErr
	}
	return cb(provider.StreamChunk{Done: true})
}

// =============================================================================
// HELPERS
// =============================================================================

func testConfig() Config {
	return Config{
		DefaultModel: "deepseek-chat",
		AutoSave:     true,
		AutoRename:   true,
		Temperature:  0.7,
		MaxTokens:    1024,
		Stream:       true,
	}
}

func newTestManager(t *testing.T, p provider.Provider) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, stream.New(stream.Options{MaxRetries: 0, BaseDelay: time.Millisecond}), testConfig())
	if p != nil {
		m.SetProvider(p)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(m.Close)
	return m, st
}

// waitFor reads events until one of the wanted types arrives.
func waitFor(t *testing.T, ch <-chan Event, types ...EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			for _, want := range types {
				if ev.Type == want {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", types)
		}
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestLoadCreatesDefaultSession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	sess, err := m.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if sess.Title != model.DefaultTitle || sess.Status != model.StatusIdle {
		t.Errorf("default session = %+v", sess)
	}
	if sess.Model != "deepseek-chat" {
		t.Errorf("model = %q", sess.Model)
	}
}

func TestLoadRestoresPersistedSessions(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	sess := model.NewSession("deepseek-chat")
	sess.Title = "Persisted chat"
	if err := st.SaveSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendMessage(model.NewUserMessage(sess.ID, "hello")); err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()

	m := NewManager(st2, stream.New(stream.DefaultOptions()), testConfig())
	if err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer m.Close()

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Persisted chat" || len(got.Messages) != 1 {
		t.Errorf("restored = %+v", got)
	}
}

func TestSendMessageHappyPath(t *testing.T) {
	p := &fakeProvider{chunks: []string{"Hello", ", ", "world"}, configured: true, titleResp: "Greeting"}
	m, st := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// Deltas arrive in order.
	var got string
	for {
		ev := waitFor(t, events, EventDelta, EventComplete)
		if ev.Type == EventComplete {
			if ev.Content != "Hello, world" {
				t.Errorf("final content = %q", ev.Content)
			}
			break
		}
		got += ev.Content
	}
	if got != "Hello, world" {
		t.Errorf("concatenated deltas = %q", got)
	}

	if sess.Status != model.StatusIdle {
		t.Errorf("status after complete = %q", sess.Status)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("message count = %d", len(sess.Messages))
	}
	if sess.Messages[1].State != model.StateComplete || sess.Messages[1].Content != "Hello, world" {
		t.Errorf("assistant message = %+v", sess.Messages[1])
	}

	// Both messages hit the store.
	persisted, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted.Messages) != 2 {
		t.Errorf("persisted messages = %d", len(persisted.Messages))
	}

	// Auto-title kicks in after the first completed exchange.
	ev := waitFor(t, events, EventTitle)
	if ev.Content != "Greeting" {
		t.Errorf("title = %q", ev.Content)
	}
	if sess.Title != "Greeting" {
		t.Errorf("session title = %q", sess.Title)
	}
}

func TestSendMessageNonStreaming(t *testing.T) {
	p := &fakeProvider{titleResp: "The whole reply", configured: true}
	m, _ := newTestManager(t, p)

	cfg := testConfig()
	cfg.Stream = false
	cfg.AutoRename = false
	m.SetConfig(cfg)

	sess, _ := m.Active()
	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The reply arrives as one delta followed by completion.
	ev := waitFor(t, events, EventDelta)
	if ev.Content != "The whole reply" {
		t.Errorf("delta = %q", ev.Content)
	}
	waitFor(t, events, EventComplete)

	if len(sess.Messages) != 2 {
		t.Fatalf("message count = %d", len(sess.Messages))
	}
	asst := sess.Messages[1]
	if asst.Content != "The whole reply" || asst.State != model.StateComplete {
		t.Errorf("assistant message = %+v", asst)
	}
}

func TestSendMessageWhileInFlight(t *testing.T) {
	hold := make(chan struct{})
	p := &fakeProvider{chunks: []string{"x"}, hold: hold, configured: true}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "first"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, events, EventDelta)

	if err := m.SendMessage(context.Background(), sess.ID, "second"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}

	close(hold)
	waitFor(t, events, EventComplete)

	// Idle again: a new turn is admitted.
	if err := m.SendMessage(context.Background(), sess.ID, "third"); err != nil {
		t.Errorf("send after completion: %v", err)
	}
	waitFor(t, events, EventComplete)
}

func TestSendMessageNotConfigured(t *testing.T) {
	p := &fakeProvider{configured: false}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	err := m.SendMessage(context.Background(), sess.ID, "hi")
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	// Nothing was mutated.
	if len(sess.Messages) != 0 || sess.Status != model.StatusIdle {
		t.Errorf("session mutated: %+v", sess)
	}
}

func TestSendMessageValidation(t *testing.T) {
	p := &fakeProvider{configured: true}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	if err := m.SendMessage(context.Background(), sess.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty content err = %v", err)
	}
	if err := m.SendMessage(context.Background(), "sess_missing", "hi"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}

func TestCancelMidStreamKeepsPartial(t *testing.T) {
	hold := make(chan struct{})
	p := &fakeProvider{chunks: []string{"partial ", "answer"}, hold: hold, configured: true}
	m, st := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "question"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, EventDelta)
	waitFor(t, events, EventDelta)

	m.Cancel(sess.ID)
	ev := waitFor(t, events, EventCancelled)
	if ev.Content != "partial answer" {
		t.Errorf("cancelled content = %q", ev.Content)
	}

	if sess.Status != model.StatusIdle {
		t.Errorf("status = %q, want idle after cancel", sess.Status)
	}
	last := sess.LastMessage()
	if last.State != model.StateAborted || last.Content != "partial answer" {
		t.Errorf("aborted message = %+v", last)
	}

	persisted, _ := st.GetSession(sess.ID)
	if len(persisted.Messages) != 2 {
		t.Errorf("persisted = %d messages", len(persisted.Messages))
	}
	if persisted.Messages[1].State != model.StateAborted {
		t.Errorf("persisted state = %q", persisted.Messages[1].State)
	}
}

func TestCancelWithoutTurnIsNoop(t *testing.T) {
	m, _ := newTestManager(t, &fakeProvider{configured: true})
	sess, _ := m.Active()
	m.Cancel(sess.ID) // must not panic or emit
}

func TestCancelBeforeFirstDeltaDropsPlaceholder(t *testing.T) {
	hold := make(chan struct{})
	p := &fakeProvider{hold: hold, configured: true}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "question"); err != nil {
		t.Fatal(err)
	}
	// Cancel while still awaiting the first delta.
	time.Sleep(20 * time.Millisecond)
	m.Cancel(sess.ID)
	waitFor(t, events, EventCancelled)

	// The empty assistant placeholder is gone; the user message stays.
	if len(sess.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sess.Messages))
	}
	if sess.Messages[0].Role != model.RoleUser {
		t.Errorf("remaining message role = %q", sess.Messages[0].Role)
	}
}

func TestStreamErrorSetsErrorStateAndAllowsRetry(t *testing.T) {
	p := &fakeProvider{streamErr: &provider.APIError{Status: 401}, configured: true}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "question"); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, events, EventError)
	if !errors.Is(ev.Err, provider.ErrAuthFailed) {
		t.Errorf("event err = %v", ev.Err)
	}
	if sess.Status != model.StatusError {
		t.Errorf("status = %q, want error", sess.Status)
	}

	// A failed session accepts the next turn.
	p.mu.Lock()
	p.streamErr = nil
	p.chunks = []string{"recovered"}
	p.mu.Unlock()

	if err := m.SendMessage(context.Background(), sess.ID, "retry"); err != nil {
		t.Fatalf("send from error state: %v", err)
	}
	waitFor(t, events, EventComplete)
	if sess.Status != model.StatusIdle {
		t.Errorf("status after recovery = %q", sess.Status)
	}
}

func TestDeleteCancelsInFlightTurn(t *testing.T) {
	hold := make(chan struct{})
	p := &fakeProvider{chunks: []string{"some"}, hold: hold, configured: true}
	m, st := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "question"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, EventDelta)

	if err := m.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Session is gone from memory and store; finalize was a no-op.
	if _, err := m.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if _, err := st.GetSession(sess.ID); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("store after delete: %v", err)
	}

	stats, _ := st.Stats()
	if stats.MessageCount != 0 {
		t.Errorf("orphaned messages: %d", stats.MessageCount)
	}
}

// A delete racing the end-of-turn store writes must always win: the session
// row must be gone once Delete returns, no matter how the finishing turn's
// persistence interleaves.
func TestDeleteRacingTurnFinishNeverResurrectsSession(t *testing.T) {
	p := &fakeProvider{configured: true}
	m, st := newTestManager(t, p)

	for i := 0; i < 200; i++ {
		sess, err := m.CreateSession("")
		if err != nil {
			t.Fatal(err)
		}

		hold := make(chan struct{})
		p.mu.Lock()
		p.chunks = []string{"partial"}
		p.hold = hold
		p.mu.Unlock()

		events, cancel := m.Subscribe()
		if err := m.SendMessage(context.Background(), sess.ID, "hi"); err != nil {
			t.Fatalf("iteration %d: SendMessage: %v", i, err)
		}
		waitFor(t, events, EventDelta)
		cancel()

		// Release the stream and delete while the turn is finishing.
		close(hold)
		if err := m.Delete(sess.ID); err != nil {
			t.Fatalf("iteration %d: Delete: %v", i, err)
		}

		if _, err := st.GetSession(sess.ID); !errors.Is(err, store.ErrSessionNotFound) {
			t.Fatalf("iteration %d: session present in store after Delete: %v", i, err)
		}
	}
}

func TestRenameBlocksAutoTitle(t *testing.T) {
	p := &fakeProvider{chunks: []string{"answer"}, configured: true, titleResp: "Generated Title"}
	m, _ := newTestManager(t, p)
	sess, _ := m.Active()

	if err := m.Rename(sess.ID, "My chosen name"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	events, cancel := m.Subscribe()
	defer cancel()

	if err := m.SendMessage(context.Background(), sess.ID, "question"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, EventComplete)

	// Give any stray title goroutine a moment, then verify nothing changed.
	time.Sleep(50 * time.Millisecond)
	if sess.Title != "My chosen name" {
		t.Errorf("user title overwritten: %q", sess.Title)
	}
}

func TestRenameValidation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	sess, _ := m.Active()

	if err := m.Rename(sess.ID, "  "); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("err = %v, want ErrEmptyTitle", err)
	}
	if err := m.Rename("sess_missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateAndSwitchSessions(t *testing.T) {
	m, _ := newTestManager(t, nil)
	first, _ := m.Active()

	second, err := m.CreateSession("")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	active, _ := m.Active()
	if active.ID != second.ID {
		t.Errorf("new session not active")
	}

	if err := m.SetActive(first.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	active, _ = m.Active()
	if active.ID != first.ID {
		t.Errorf("switch failed")
	}

	metas := m.List()
	if len(metas) != 2 {
		t.Errorf("list = %d sessions", len(metas))
	}
}

func TestClearMessages(t *testing.T) {
	p := &fakeProvider{chunks: []string{"a"}, configured: true}
	m, st := newTestManager(t, p)
	sess, _ := m.Active()

	events, cancel := m.Subscribe()
	defer cancel()
	if err := m.SendMessage(context.Background(), sess.ID, "q"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, events, EventComplete)

	if err := m.ClearMessages(sess.ID); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	if len(sess.Messages) != 0 {
		t.Errorf("messages = %d", len(sess.Messages))
	}
	persisted, _ := st.GetSession(sess.ID)
	if len(persisted.Messages) != 0 {
		t.Errorf("persisted = %d", len(persisted.Messages))
	}
}
