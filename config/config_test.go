package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(homeEnvVar, home)
	return home
}

func TestLoadAppConfig_WritesDefaults(t *testing.T) {
	home := useTempHome(t)

	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig(), cfg)
	assert.FileExists(t, filepath.Join(home, configFilePath))

	again, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
	assert.FileExists(t, filepath.Join(home, backupFilePath))
}

func TestLoadAppConfig_FillsMissingFields(t *testing.T) {
	home := useTempHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, configFilePath), []byte("log_mode: development\nretry_max: 1\n"), 0o600))

	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.LogMode)
	assert.Equal(t, 1, cfg.RetryMax)
	assert.Equal(t, 300*time.Second, cfg.RequestTimeout())
	assert.Equal(t, defaultTitle, cfg.TitleWidth)
}

func TestLoadAppConfig_RetryMax(t *testing.T) {
	home := useTempHome(t)
	path := filepath.Join(home, configFilePath)

	require.NoError(t, os.WriteFile(path, []byte("title_width: 30\n"), 0o600))
	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultRetryMax, cfg.RetryMax)

	require.NoError(t, os.WriteFile(path, []byte("retry_max: 0\n"), 0o600))
	cfg, err = LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RetryMax)
}

func TestLoadAppConfig_RejectsUnknownFields(t *testing.T) {
	home := useTempHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, configFilePath), []byte("colour: blue\n"), 0o600))

	_, err := LoadAppConfig()
	assert.Error(t, err)
}

func TestRevertAppConfigToBackup(t *testing.T) {
	home := useTempHome(t)
	path := filepath.Join(home, configFilePath)
	require.NoError(t, os.WriteFile(path, []byte("title_width: 25\n"), 0o600))
	_, err := LoadAppConfig()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{{{ broken"), 0o600))
	_, err = LoadAppConfig()
	require.Error(t, err)

	require.NoError(t, RevertAppConfigToBackup())
	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.TitleWidth)
}

func TestRevertAppConfigToBackup_NoBackup(t *testing.T) {
	useTempHome(t)
	assert.Error(t, RevertAppConfigToBackup())
}

func TestResetAppConfigToDefault(t *testing.T) {
	home := useTempHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, configFilePath), []byte("title_width: 25\n"), 0o600))

	require.NoError(t, ResetAppConfigToDefault())
	cfg, err := LoadAppConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultAppConfig(), cfg)
}

func TestResolvedDataDir(t *testing.T) {
	home := useTempHome(t)

	dir, err := AppConfig{}.ResolvedDataDir()
	require.NoError(t, err)
	assert.Equal(t, home, dir)

	dir, err = AppConfig{DataDir: "/var/lib/deepchat"}.ResolvedDataDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/deepchat", dir)

	userHome, err := os.UserHomeDir()
	require.NoError(t, err)
	dir, err = AppConfig{DataDir: "~/chats"}.ResolvedDataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(userHome, "chats"), dir)

	logPath, err := AppConfig{}.LogFilePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, logFileName), logPath)
}
