package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deepchat.log")

	log, err := New("production", path)
	require.NoError(t, err)

	log.With("component", "test").Info("store opened", "path", "/tmp/x.db")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "store opened")
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNew_UnknownMode(t *testing.T) {
	_, err := New("verbose", "")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Warn("ignored", "k", 1)
	log.With("a", "b").Error("ignored too")
}
