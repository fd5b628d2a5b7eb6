// Package chat ties persistence and streaming together for one user turn.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"deepchat/db"
	"deepchat/llm"
	"deepchat/logger"
	"deepchat/types"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrSendInProgress = errors.New("a message is already being sent in this session")
)

// ThinkInstruction is prepended to the user's input on follow-up turns so
// models without a reasoning channel still separate reasoning from the answer.
const ThinkInstruction = "Before answering, reason step by step inside <think></think> tags. " +
	"After the closing </think> tag, give only your final answer.\n\n"

// Streamer is the streaming side of llm.Client.
type Streamer interface {
	Chat(ctx context.Context, prompt string, onDelta func(llm.Delta), history []types.HistoryMessage, onError func(error)) error
}

// MessageStore is the part of db.Repository a send needs.
type MessageStore interface {
	AddMessage(ctx context.Context, sessionID string, m *db.ChatMessage) (*db.ChatMessage, error)
	UpdateMessage(ctx context.Context, m *db.ChatMessage) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]db.ChatMessage, error)
}

// Hooks are called synchronously from Send. Messages handed to hooks are
// copies.
type Hooks struct {
	// OnCreated runs once both rows exist, before any network activity.
	OnCreated func(user, assistant *db.ChatMessage)
	OnDelta   func(llm.Delta)
	// OnError receives transport failures. Without it they are returned
	// from Send.
	OnError func(error)
}

type Sender struct {
	repo     MessageStore
	streamer Streamer
	log      *logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewSender(repo MessageStore, streamer Streamer, log *logger.Logger) *Sender {
	return &Sender{
		repo:     repo,
		streamer: streamer,
		log:      log.With("component", "sender"),
		inFlight: make(map[string]struct{}),
	}
}

func (s *Sender) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[sessionID]; busy {
		return false
	}
	s.inFlight[sessionID] = struct{}{}
	return true
}

func (s *Sender) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, sessionID)
}

// Send runs one user turn against sessionID and returns the stored user
// message and the assistant message in its final state.
//
// Cancelling ctx stops the stream; whatever was persisted up to that point
// stays and no error is reported. The returned messages are non-nil as soon
// as they were persisted, even when err is not.
func (s *Sender) Send(ctx context.Context, sessionID string, content string, hooks Hooks) (*db.ChatMessage, *db.ChatMessage, error) {
	// 1) validate
	if strings.TrimSpace(content) == "" {
		return nil, nil, ErrEmptyMessage
	}
	if !s.acquire(sessionID) {
		return nil, nil, ErrSendInProgress
	}
	defer s.release(sessionID)

	log := s.log.With("session", sessionID)

	// 2) user message, then the empty assistant placeholder
	user, err := s.repo.AddMessage(ctx, sessionID, &db.ChatMessage{Role: db.RoleUser, Content: content})
	if err != nil {
		return nil, nil, err
	}
	assistant, err := s.repo.AddMessage(ctx, sessionID, &db.ChatMessage{Role: db.RoleAssistant})
	if err != nil {
		return user, nil, err
	}
	if hooks.OnCreated != nil {
		u, a := *user, *assistant
		hooks.OnCreated(&u, &a)
	}

	// 3) history without the two new rows
	msgs, err := s.repo.GetSessionMessages(ctx, sessionID)
	if err != nil {
		return user, assistant, err
	}
	history := make([]types.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == user.ID || m.ID == assistant.ID {
			continue
		}
		history = append(history, types.HistoryMessage{
			Role:             m.Role,
			Content:          m.Content,
			ReasoningContent: m.ReasoningContent,
		})
	}

	prompt := content
	if len(history) > 0 {
		prompt = ThinkInstruction + content
	}

	// 4) stream into the placeholder
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// writes must land even if the caller cancels between receipt and update
	writeCtx := context.WithoutCancel(ctx)

	var persistErr, streamErr error
	onDelta := func(d llm.Delta) {
		if persistErr != nil {
			return
		}
		switch d.Channel {
		case llm.ChannelReasoning:
			assistant.ReasoningContent += d.Text
		default:
			assistant.Content += d.Text
		}
		if err := s.repo.UpdateMessage(writeCtx, assistant); err != nil {
			persistErr = err
			cancel()
			return
		}
		if hooks.OnDelta != nil {
			hooks.OnDelta(d)
		}
	}
	onError := func(err error) {
		streamErr = err
		if hooks.OnError != nil {
			hooks.OnError(err)
		}
	}

	if err := s.streamer.Chat(streamCtx, prompt, onDelta, history, onError); err != nil {
		streamErr = err
	}
	if persistErr != nil {
		log.Error("failed to persist delta", "message", assistant.ID, "error", persistErr)
		return user, assistant, persistErr
	}
	if streamErr != nil {
		log.Warn("stream ended with error", "message", assistant.ID, "error", streamErr)
		if hooks.OnError != nil {
			return user, assistant, nil
		}
		return user, assistant, streamErr
	}
	if ctx.Err() != nil {
		log.Info("send cancelled", "message", assistant.ID)
		return user, assistant, nil
	}

	// 5) models that ignore the reasoning channel put <think> in the content
	if assistant.ReasoningContent == "" {
		if reasoning, answer, ok := SplitThink(assistant.Content); ok {
			assistant.ReasoningContent = reasoning
			assistant.Content = answer
			if err := s.repo.UpdateMessage(writeCtx, assistant); err != nil {
				return user, assistant, err
			}
			log.Debug("split think tags", "message", assistant.ID)
		}
	}
	return user, assistant, nil
}
