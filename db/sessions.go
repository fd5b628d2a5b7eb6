package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"deepchat/logger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

const (
	sessionColumns = "id, title, type, created_time, updated_time"
	messageColumns = "id, session_id, role, content, reasoning_content, send_time"
)

// Repository is the session/message data-access layer. It is safe for
// concurrent use; the underlying Store serializes connection access.
type Repository struct {
	store *Store
	log   *logger.Logger
	now   func() time.Time

	idMu    sync.Mutex
	entropy io.Reader
}

func NewRepository(store *Store, log *logger.Logger) *Repository {
	return &Repository{
		store:   store,
		log:     log.With("component", "repository"),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// WithClock replaces the time source, for tests and replays.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// Message ids are ULIDs so that rows sharing a send_time still sort in
// insertion order.
func (r *Repository) newMessageID(t time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

func scanSession(row Scanner) (ChatSession, error) {
	var s ChatSession
	var typ string
	var created, updated int64
	if err := row.Scan(&s.ID, &s.Title, &typ, &created, &updated); err != nil {
		return s, err
	}
	s.Type = SessionType(typ)
	s.CreatedTime = time.Unix(0, created)
	s.UpdatedTime = time.Unix(0, updated)
	return s, nil
}

func scanMessage(row Scanner) (ChatMessage, error) {
	var m ChatMessage
	var reasoning sql.NullString
	var sent int64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &reasoning, &sent); err != nil {
		return m, err
	}
	if reasoning.Valid {
		m.ReasoningContent = reasoning.String
	}
	m.SendTime = time.Unix(0, sent)
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetAllSessions returns every session, most recently updated first, with
// messages loaded.
func (r *Repository) GetAllSessions(ctx context.Context) ([]ChatSession, error) {
	var sessions []ChatSession
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		sessions, err = Query(ctx, tx,
			"SELECT "+sessionColumns+" FROM sessions ORDER BY updated_time DESC, id", scanSession)
		if err != nil {
			return err
		}
		msgs, err := Query(ctx, tx,
			"SELECT "+messageColumns+" FROM messages ORDER BY send_time, id", scanMessage)
		if err != nil {
			return err
		}
		attachMessages(sessions, msgs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}
	return sessions, nil
}

// GetSessionsByType returns sessions of one type, most recently updated first.
func (r *Repository) GetSessionsByType(ctx context.Context, typ SessionType) ([]ChatSession, error) {
	var sessions []ChatSession
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		sessions, err = Query(ctx, tx,
			"SELECT "+sessionColumns+" FROM sessions WHERE type = ? ORDER BY updated_time DESC, id",
			scanSession, string(typ))
		if err != nil {
			return err
		}
		msgs, err := Query(ctx, tx, `
			SELECT m.id, m.session_id, m.role, m.content, m.reasoning_content, m.send_time
			FROM messages m
			JOIN sessions s ON s.id = m.session_id
			WHERE s.type = ?
			ORDER BY m.send_time, m.id`, scanMessage, string(typ))
		if err != nil {
			return err
		}
		attachMessages(sessions, msgs)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions by type: %w", err)
	}
	return sessions, nil
}

func attachMessages(sessions []ChatSession, msgs []ChatMessage) {
	index := make(map[string]int, len(sessions))
	for i := range sessions {
		index[sessions[i].ID] = i
		sessions[i].Messages = []ChatMessage{}
	}
	for _, m := range msgs {
		if i, ok := index[m.SessionID]; ok {
			sessions[i].Messages = append(sessions[i].Messages, m)
		}
	}
}

// GetSession returns the session with its messages, or nil when no session
// has that id.
func (r *Repository) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var session *ChatSession
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		found, err := Query(ctx, tx,
			"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", scanSession, id)
		if err != nil || len(found) == 0 {
			return err
		}
		msgs, err := Query(ctx, tx,
			"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY send_time, id",
			scanMessage, id)
		if err != nil {
			return err
		}
		s := found[0]
		s.Messages = append([]ChatMessage{}, msgs...)
		session = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// CreateSession inserts a new session. An empty title or type falls back to
// DefaultSessionTitle and SessionConsultation.
func (r *Repository) CreateSession(ctx context.Context, title string, typ SessionType) (*ChatSession, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultSessionTitle
	}
	if typ == "" {
		typ = SessionConsultation
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown session type %q", typ)
	}

	now := r.now()
	s := &ChatSession{
		ID:          uuid.New().String(),
		Title:       title,
		Type:        typ,
		CreatedTime: now,
		UpdatedTime: now,
		Messages:    []ChatMessage{},
	}
	_, err := r.store.Exec(ctx,
		"INSERT INTO sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Title, string(s.Type), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	r.log.Debug("session created", "session", s.ID, "type", s.Type)
	return s, nil
}

func (r *Repository) UpdateSessionTitle(ctx context.Context, id string, title string) error {
	n, err := r.store.Exec(ctx,
		"UPDATE sessions SET title = ?, updated_time = MAX(updated_time, ?) WHERE id = ?",
		title, r.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// touchSession bumps updated_time; MAX keeps it from moving backwards when
// another process runs with a skewed clock.
func touchSession(ctx context.Context, tx *Tx, sessionID string, now time.Time) error {
	_, err := tx.Exec(ctx,
		"UPDATE sessions SET updated_time = MAX(updated_time, ?) WHERE id = ?",
		now.UnixNano(), sessionID,
	)
	return err
}

// AddMessage persists m under sessionID and bumps the session's UpdatedTime.
// ID and SendTime are assigned when unset.
func (r *Repository) AddMessage(ctx context.Context, sessionID string, m *ChatMessage) (*ChatMessage, error) {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return nil, fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.SendTime.IsZero() {
		m.SendTime = r.now()
	}
	if m.ID == "" {
		m.ID = r.newMessageID(m.SendTime)
	}
	m.SessionID = sessionID

	err := r.store.WithTx(ctx, func(tx *Tx) error {
		exists, err := tx.Scalar(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID)
		if err != nil {
			return err
		}
		if exists == nil {
			return ErrSessionNotFound
		}
		_, err = tx.Exec(ctx,
			"INSERT INTO messages ("+messageColumns+") VALUES (?, ?, ?, ?, ?, ?)",
			m.ID, m.SessionID, m.Role, m.Content, nullString(m.ReasoningContent), m.SendTime.UnixNano(),
		)
		if err != nil {
			return err
		}
		return touchSession(ctx, tx, sessionID, r.now())
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}
	return m, nil
}

// UpdateMessage overwrites Content and ReasoningContent of an existing
// message and bumps its session's UpdatedTime.
func (r *Repository) UpdateMessage(ctx context.Context, m *ChatMessage) error {
	err := r.store.WithTx(ctx, func(tx *Tx) error {
		n, err := tx.Exec(ctx,
			"UPDATE messages SET content = ?, reasoning_content = ? WHERE id = ?",
			m.Content, nullString(m.ReasoningContent), m.ID,
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrMessageNotFound
		}
		_, err = tx.Exec(ctx,
			"UPDATE sessions SET updated_time = MAX(updated_time, ?) WHERE id = (SELECT session_id FROM messages WHERE id = ?)",
			r.now().UnixNano(), m.ID,
		)
		return err
	})
	if errors.Is(err, ErrMessageNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// GetSessionMessages returns a session's messages in send order.
func (r *Repository) GetSessionMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	msgs, err := Query(ctx, r.store,
		"SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY send_time, id",
		scanMessage, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return msgs, nil
}

// GetLatestAssistantMessage returns nil when the session has no assistant
// message yet.
func (r *Repository) GetLatestAssistantMessage(ctx context.Context, sessionID string) (*ChatMessage, error) {
	msgs, err := Query(ctx, r.store, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND role = ?
		ORDER BY send_time DESC, id DESC
		LIMIT 1`, scanMessage, sessionID, RoleAssistant)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest assistant message: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// DeleteSession removes a session; its messages go with it (cascade).
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	n, err := r.store.Exec(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteOldSessions removes sessions not updated within olderThan.
func (r *Repository) DeleteOldSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan)
	n, err := r.store.Exec(ctx, "DELETE FROM sessions WHERE updated_time < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}
	return n, nil
}
