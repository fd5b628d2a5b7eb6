package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deepchat/chat"
	"deepchat/config"
	"deepchat/db"
	"deepchat/llm"
	"deepchat/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestApp(t *testing.T, path string) *app {
	t.Helper()
	log := logger.Nop()
	store, err := db.Open(path, log)
	require.NoError(t, err)

	settings := db.NewConfigStore(store, log)
	repo := db.NewRepository(store, log)
	client := llm.NewClient(settings, llm.Options{Timeout: 5 * time.Second}, log)
	return &app{
		cfg:      config.DefaultAppConfig(),
		log:      log,
		store:    store,
		settings: settings,
		repo:     repo,
		client:   client,
		sender:   chat.NewSender(repo, client, log),
	}
}

// useTestDB points every command at one database file and returns it.
func useTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	orig := appFactory
	appFactory = func() (*app, error) { return openTestApp(t, path), nil }
	t.Cleanup(func() { appFactory = orig })
	return path
}

// seed runs fn against its own connection to the test database.
func seed(t *testing.T, path string, fn func(a *app)) {
	t.Helper()
	a := openTestApp(t, path)
	defer a.Close()
	fn(a)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessions_Empty(t *testing.T) {
	useTestDB(t)
	out, err := run(t, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions yet.")
}

func TestSessions_ListShowRenameDelete(t *testing.T) {
	path := useTestDB(t)
	ctx := context.Background()

	var id string
	seed(t, path, func(a *app) {
		s, err := a.repo.CreateSession(ctx, "Sleep trouble", db.SessionAssessment)
		require.NoError(t, err)
		id = s.ID
		_, err = a.repo.AddMessage(ctx, s.ID, &db.ChatMessage{Role: db.RoleUser, Content: "I wake at 4am"})
		require.NoError(t, err)
		_, err = a.repo.AddMessage(ctx, s.ID, &db.ChatMessage{
			Role: db.RoleAssistant, Content: "How long has this lasted?", ReasoningContent: "ask duration",
		})
		require.NoError(t, err)
	})

	out, err := run(t, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, db.GroupToday)
	assert.Contains(t, out, "Sleep trouble")
	assert.Contains(t, out, id[:8])
	assert.Contains(t, out, "2 msgs")

	out, err = run(t, "sessions", "--type", string(db.SessionConsultation))
	require.NoError(t, err)
	assert.NotContains(t, out, "Sleep trouble")

	out, err = run(t, "sessions", "show", id[:8], "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, "I wake at 4am")
	assert.Contains(t, out, "How long has this lasted?")
	assert.Contains(t, out, "[reasoning] ask duration")

	_, err = run(t, "config", "set", db.KeyShowReasoning, "false")
	require.NoError(t, err)
	out, err = run(t, "sessions", "show", id, "--raw")
	require.NoError(t, err)
	assert.NotContains(t, out, "ask duration")

	_, err = run(t, "sessions", "rename", id[:8], "Early", "waking")
	require.NoError(t, err)
	out, err = run(t, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "Early waking")

	out, err = run(t, "sessions", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")
	out, err = run(t, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions yet.")

	_, err = run(t, "sessions", "show", id)
	assert.ErrorIs(t, err, db.ErrSessionNotFound)
}

func TestSessions_AmbiguousPrefix(t *testing.T) {
	path := useTestDB(t)
	seed(t, path, func(a *app) {
		for i := 0; i < 2; i++ {
			_, err := a.repo.CreateSession(context.Background(), "", "")
			require.NoError(t, err)
		}
	})

	_, err := run(t, "sessions", "show", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestSessions_Prune(t *testing.T) {
	path := useTestDB(t)
	seed(t, path, func(a *app) {
		old := time.Now().Add(-72 * time.Hour)
		a.repo.WithClock(func() time.Time { return old })
		_, err := a.repo.CreateSession(context.Background(), "old", "")
		require.NoError(t, err)
		a.repo.WithClock(time.Now)
		_, err = a.repo.CreateSession(context.Background(), "new", "")
		require.NoError(t, err)
	})

	out, err := run(t, "sessions", "prune", "--days", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 session(s)")

	out, err = run(t, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "new")
	assert.NotContains(t, out, "old")

	_, err = run(t, "sessions", "prune", "--days", "0")
	assert.Error(t, err)
}

func TestConfig_SetAndShow(t *testing.T) {
	useTestDB(t)

	_, err := run(t, "config", "set", db.KeyTemperature, "3")
	assert.ErrorIs(t, err, config.ErrInvalidTemperature)
	_, err = run(t, "config", "set", db.KeyMaxTokens, "0")
	assert.ErrorIs(t, err, config.ErrInvalidMaxTokens)
	_, err = run(t, "config", "set", "colour", "blue")
	assert.ErrorIs(t, err, config.ErrUnknownKey)

	_, err = run(t, "config", "set", db.KeyTemperature, "1.10")
	require.NoError(t, err)
	_, err = run(t, "config", "set", db.KeyAPIKey, "sk-very-secret-9876")
	require.NoError(t, err)
	_, err = run(t, "config", "set", db.KeySystemPrompt, "Be", "brief.")
	require.NoError(t, err)

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "1.1")
	assert.Contains(t, out, "Be brief.")
	assert.Contains(t, out, "9876")
	assert.NotContains(t, out, "very-secret")
}

func TestRoot_RejectsUnknownSessionType(t *testing.T) {
	useTestDB(t)
	_, err := run(t, "--type", "gossip", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session type")
}
