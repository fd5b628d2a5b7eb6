package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"deepchat/db"
	"deepchat/llm"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(opts chatOptions) model {
	return initialModel(context.Background(), nil, opts, nil)
}

func TestInitialModel_States(t *testing.T) {
	m := newTestModel(chatOptions{})
	assert.Equal(t, ReceivingInput, m.state)
	assert.False(t, m.runWithArgs)

	m = newTestModel(chatOptions{prompt: "hello"})
	assert.Equal(t, Loading, m.state)
	assert.Equal(t, "hello", m.query)

	cmd := m.Init()
	require.NotNil(t, cmd)
	assert.IsType(t, startQueryMsg{}, cmd())
}

func TestHandleDeltaMsg_Accumulates(t *testing.T) {
	m := newTestModel(chatOptions{showReasoning: true})

	var tm tea.Model = m
	tm, _ = tm.Update(deltaMsg{llm.Delta{Channel: llm.ChannelReasoning, Text: "thinking "}})
	tm, _ = tm.Update(deltaMsg{llm.Delta{Channel: llm.ChannelReasoning, Text: "hard"}})
	tm, _ = tm.Update(deltaMsg{llm.Delta{Channel: llm.ChannelContent, Text: "Hi"}})
	tm, _ = tm.Update(deltaMsg{llm.Delta{Channel: llm.ChannelContent, Text: " there"}})

	got := tm.(model)
	assert.Equal(t, ReceivingResponse, got.state)
	assert.Equal(t, "thinking hard", got.partialReasoning)
	assert.Equal(t, "Hi there", got.partialContent)
	assert.NotEmpty(t, got.formattedPartialResponse)
}

func TestHandleSendDoneMsg(t *testing.T) {
	m := newTestModel(chatOptions{})
	m.state = ReceivingResponse
	m.partialContent = "partial"

	session := &db.ChatSession{ID: "s1", Title: "Sleep"}
	tm, cmd := m.Update(sendDoneMsg{
		session:   session,
		assistant: &db.ChatMessage{Role: db.RoleAssistant, Content: "Try this:\n```\nsleep 8h\n```"},
	})
	got := tm.(model)
	assert.NotNil(t, cmd)
	assert.Equal(t, ReceivingInput, got.state)
	assert.Equal(t, session, got.session)
	assert.Equal(t, "sleep 8h", got.latestCommandResponse)
	assert.Empty(t, got.formattedPartialResponse)
	assert.Nil(t, got.cancel)
}

func TestHandleSendDoneMsg_StreamErrorKeepsPartialAnswer(t *testing.T) {
	m := newTestModel(chatOptions{})
	tm, _ := m.Update(sendDoneMsg{
		session:   &db.ChatSession{ID: "s1"},
		assistant: &db.ChatMessage{Role: db.RoleAssistant, Content: "Half an ans"},
		streamErr: &llm.StatusError{StatusCode: http.StatusTooManyRequests},
	})
	got := tm.(model)
	assert.Equal(t, ReceivingInput, got.state)
	assert.Equal(t, "Half an ans", got.latestCommandResponse)
}

func TestHandleSendDoneMsg_StorageErrorKeepsPreviousSession(t *testing.T) {
	m := newTestModel(chatOptions{session: &db.ChatSession{ID: "keep"}})
	tm, _ := m.Update(sendDoneMsg{err: errors.New("disk full")})
	got := tm.(model)
	assert.Equal(t, "keep", got.session.ID)
	assert.Empty(t, got.latestCommandResponse)
}

func TestEsc_CancelsRunningStream(t *testing.T) {
	m := newTestModel(chatOptions{prompt: "hi"})
	cancelled := false
	m.cancel = func() { cancelled = true }

	tm, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	got := tm.(model)
	assert.Nil(t, cmd)
	assert.True(t, cancelled)
	assert.True(t, got.stopping)
	assert.Contains(t, got.View(), "stopping...")
}

func TestEsc_QuitsAtPrompt(t *testing.T) {
	m := newTestModel(chatOptions{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestCtrlC_CancelsAndQuits(t *testing.T) {
	m := newTestModel(chatOptions{prompt: "hi"})
	cancelled := false
	m.cancel = func() { cancelled = true }

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, cancelled)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestEnter_IgnoredWhileStreaming(t *testing.T) {
	m := newTestModel(chatOptions{prompt: "hi"})
	m.textInput.SetValue("another")
	tm, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Equal(t, "hi", tm.(model).query)
}

func TestWithStdin(t *testing.T) {
	assert.Equal(t, "question", withStdin("question", ""))
	assert.Equal(t, "Here's some input:\n```\nlog\n```\n\nexplain", withStdin("explain", "log"))
	assert.Contains(t, withStdin("", "log"), "What would you like me to do with this?")
}

func TestErrorHint(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{llm.ErrNoAPIKey, "config set api_key"},
		{fmt.Errorf("wrapped: %w", llm.ErrNoAPIKey), "config set api_key"},
		{&llm.StatusError{StatusCode: http.StatusUnauthorized}, "config show"},
		{&llm.StatusError{StatusCode: http.StatusPaymentRequired}, "balance"},
		{&llm.StatusError{StatusCode: http.StatusTooManyRequests}, "Rate limited"},
		{errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), "api_base"},
		{&llm.StatusError{StatusCode: http.StatusInternalServerError}, ""},
		{errors.New("something else"), ""},
	}
	for _, tt := range tests {
		got := errorHint(tt.err)
		if tt.want == "" {
			assert.Empty(t, got, tt.err.Error())
			continue
		}
		assert.Contains(t, got, tt.want, tt.err.Error())
	}
}

func TestMakeQuery_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"user is tired\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Tell me\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" more.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ctx := context.Background()
	a := openTestApp(t, filepath.Join(t.TempDir(), "e2e.db"))
	defer a.Close()
	require.NoError(t, a.settings.SetConfig(ctx, db.KeyAPIBase, srv.URL))
	require.NoError(t, a.settings.SetConfig(ctx, db.KeyAPIKey, "sk-test"))

	m := initialModel(ctx, a, chatOptions{
		sessionType: db.SessionAssessment,
		titleWidth:  40,
	}, &programRef{})

	msg := m.makeQuery(ctx, "I can't sleep")()
	done, ok := msg.(sendDoneMsg)
	require.True(t, ok)
	require.NoError(t, done.err)
	require.NoError(t, done.streamErr)
	assert.False(t, done.cancelled)

	require.NotNil(t, done.assistant)
	assert.Equal(t, "Tell me more.", done.assistant.Content)
	assert.Equal(t, "user is tired", done.assistant.ReasoningContent)

	require.NotNil(t, done.session)
	assert.Equal(t, "I can't sleep", done.session.Title)
	assert.Equal(t, db.SessionAssessment, done.session.Type)

	stored, err := a.repo.GetSession(ctx, done.session.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "I can't sleep", stored.Title)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, db.RoleUser, stored.Messages[0].Role)
	assert.Equal(t, "Tell me more.", stored.Messages[1].Content)

	// a follow-up continues the same session
	m.session = done.session
	done2 := m.makeQuery(ctx, "Since last month")().(sendDoneMsg)
	require.NoError(t, done2.err)
	assert.Equal(t, done.session.ID, done2.session.ID)
	msgs, err := a.repo.GetSessionMessages(ctx, done.session.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestMakeQuery_CancelledBeforeStart(t *testing.T) {
	a := openTestApp(t, filepath.Join(t.TempDir(), "cancel.db"))
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := initialModel(context.Background(), a, chatOptions{titleWidth: 40}, &programRef{})
	done := m.makeQuery(ctx, "hello")().(sendDoneMsg)
	// the session row could not be created on a dead context
	assert.Error(t, done.err)
}
