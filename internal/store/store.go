// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists sessions and messages in SQLite.
//
// Every message append is its own transaction, so a crash mid-conversation
// loses at most the in-flight turn. Session deletion cascades to messages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/corsie-chat/corsie/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound indicates the session does not exist in the store.
var ErrSessionNotFound = errors.New("session not found")

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	model             TEXT NOT NULL,
	system_prompt     TEXT NOT NULL DEFAULT '',
	title_set_by_user INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content    TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'complete',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: sqlite locks the whole database anyway, and one
	// connection sidesteps SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	// RELIABILITY: WAL survives crashes better and allows a reader during writes
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// SaveSession inserts or updates session metadata (not its messages).
func (s *Store) SaveSession(sess *model.Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, created_at, updated_at, model, system_prompt, title_set_by_user)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			title_set_by_user = excluded.title_set_by_user`,
		sess.ID, sess.Title, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		sess.Model, sess.SystemPrompt, boolToInt(sess.TitleSetByUser),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads one session with its full message history.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at, model, system_prompt, title_set_by_user
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMessages(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// LoadSessions loads all sessions with their messages, most recently
// updated first.
func (s *Store) LoadSessions() ([]*model.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at, model, system_prompt, title_set_by_user
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	for _, sess := range sessions {
		if err := s.loadMessages(sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// DeleteSession removes a session; its messages go with it via cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ClearMessages deletes all messages of a session, keeping its metadata.
func (s *Store) ClearMessages(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage inserts one message and bumps the session's updated_at in a
// single transaction. Each turn's messages are committed independently so a
// crash never leaves a half-written message.
func (s *Store) AppendMessage(m *model.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Content, string(m.State), m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	res, err := tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), m.SessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}

	return tx.Commit()
}

// loadMessages fills a session's message slice in chronological order.
func (s *Store) loadMessages(sess *model.Session) error {
	rows, err := s.db.Query(`
		SELECT id, role, content, state, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	sess.Messages = sess.Messages[:0]
	for rows.Next() {
		m := &model.Message{SessionID: sess.ID}
		var (
			role      string
			state     string
			createdNs int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &state, &createdNs); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.State = model.MessageState(state)
		m.CreatedAt = time.Unix(0, createdNs)
		sess.Messages = append(sess.Messages, m)
	}
	return rows.Err()
}

// =============================================================================
// QUERIES
// =============================================================================

// ListSessions returns lightweight metadata for all sessions, most recently
// updated first, without loading full histories.
func (s *Store) ListSessions() ([]model.SessionMeta, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.title, s.created_at, s.updated_at, s.model,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var metas []model.SessionMeta
	for rows.Next() {
		var (
			meta      model.SessionMeta
			createdNs int64
			updatedNs int64
		)
		if err := rows.Scan(&meta.ID, &meta.Title, &createdNs, &updatedNs, &meta.Model, &meta.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session meta: %w", err)
		}
		meta.CreatedAt = time.Unix(0, createdNs)
		meta.UpdatedAt = time.Unix(0, updatedNs)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// SearchSessions returns metadata for sessions whose title or message content
// contains query, case-insensitively. Empty query matches nothing.
func (s *Store) SearchSessions(query string) ([]model.SessionMeta, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + strings.ToLower(query) + "%"

	rows, err := s.db.Query(`
		SELECT DISTINCT s.id, s.title, s.created_at, s.updated_at, s.model,
		       (SELECT COUNT(*) FROM messages m2 WHERE m2.session_id = s.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE lower(s.title) LIKE ? OR lower(m.content) LIKE ?
		ORDER BY s.updated_at DESC`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search sessions: %w", err)
	}
	defer rows.Close()

	var metas []model.SessionMeta
	for rows.Next() {
		var (
			meta      model.SessionMeta
			createdNs int64
			updatedNs int64
		)
		if err := rows.Scan(&meta.ID, &meta.Title, &createdNs, &updatedNs, &meta.Model, &meta.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		meta.CreatedAt = time.Unix(0, createdNs)
		meta.UpdatedAt = time.Unix(0, updatedNs)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Stats summarizes the store contents.
type Stats struct {
	SessionCount int
	MessageCount int
	DBSizeBytes  int64
}

// Stats returns counts and the database file size.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.SessionCount); err != nil {
		return st, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&st.MessageCount); err != nil {
		return st, fmt.Errorf("failed to count messages: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess       model.Session
		createdNs  int64
		updatedNs  int64
		titleByUsr int
	)
	err := row.Scan(&sess.ID, &sess.Title, &createdNs, &updatedNs,
		&sess.Model, &sess.SystemPrompt, &titleByUsr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, createdNs)
	sess.UpdatedAt = time.Unix(0, updatedNs)
	sess.TitleSetByUser = titleByUsr != 0
	sess.Status = model.StatusIdle
	sess.Messages = []*model.Message{}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
