// Package config holds the bootstrap settings file and the interactive
// editor for the chat configuration stored in the database.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	homeEnvVar      = "DEEPCHAT_HOME"
	defaultHomeDir  = ".deepchat"
	configFilePath  = "config.yaml"
	backupFilePath  = "config.yaml.bak"
	logFileName     = "deepchat.log"
	defaultLogMode  = "production"
	defaultTimeout  = 300
	defaultRetryMax = 3
	defaultTitle    = 40
)

// AppConfig is what the program needs before the database can be opened.
type AppConfig struct {
	DataDir               string `yaml:"data_dir"`
	LogMode               string `yaml:"log_mode"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	RetryMax              int    `yaml:"retry_max"` // 0 disables retries
	TitleWidth            int    `yaml:"title_width"`
}

// Home is $DEEPCHAT_HOME, or ~/.deepchat when unset.
func Home() (string, error) {
	if h := os.Getenv(homeEnvVar); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userHome, defaultHomeDir), nil
}

// FullFilePath resolves name inside Home.
func FullFilePath(name string) (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, name), nil
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		LogMode:               defaultLogMode,
		RequestTimeoutSeconds: defaultTimeout,
		RetryMax:              defaultRetryMax,
		TitleWidth:            defaultTitle,
	}
}

// withDefaults fills fields a hand-edited file left out.
func (c AppConfig) withDefaults() AppConfig {
	d := DefaultAppConfig()
	if c.LogMode == "" {
		c.LogMode = d.LogMode
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = d.RequestTimeoutSeconds
	}
	if c.RetryMax < 0 {
		c.RetryMax = d.RetryMax
	}
	if c.TitleWidth <= 0 {
		c.TitleWidth = d.TitleWidth
	}
	return c
}

func (c AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ResolvedDataDir is DataDir with "~" expanded, or Home when empty.
func (c AppConfig) ResolvedDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		return Home()
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(userHome, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// LogFilePath is where the logger writes; the TUI owns the terminal.
func (c AppConfig) LogFilePath() (string, error) {
	dir, err := c.ResolvedDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logFileName), nil
}

// LoadAppConfig reads the settings file, writing defaults when it does not
// exist yet. Every successful load refreshes the backup copy.
func LoadAppConfig() (AppConfig, error) {
	path, err := FullFilePath(configFilePath)
	if err != nil {
		return AppConfig{}, err
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultAppConfig()
		return cfg, SaveAppConfig(cfg)
	}
	if err != nil {
		return AppConfig{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	// keys missing from the file keep their default
	cfg := DefaultAppConfig()
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := writeFile(backupFilePath, raw); err != nil {
		return AppConfig{}, err
	}
	return cfg.withDefaults(), nil
}

func SaveAppConfig(cfg AppConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return writeFile(configFilePath, raw)
}

func ResetAppConfigToDefault() error {
	return SaveAppConfig(DefaultAppConfig())
}

// RevertAppConfigToBackup restores the copy taken at the last good load.
func RevertAppConfigToBackup() error {
	path, err := FullFilePath(backupFilePath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("no backup to revert to: %w", err)
	}
	return writeFile(configFilePath, raw)
}

func writeFile(name string, raw []byte) error {
	path, err := FullFilePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
