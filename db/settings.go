package db

import (
	"context"
	"fmt"
	"strconv"

	"deepchat/logger"
	"deepchat/types"
)

// Config table keys.
const (
	KeyAPIKey        = "api_key"
	KeyAPIBase       = "api_base"
	KeyModel         = "model"
	KeySystemPrompt  = "system_prompt"
	KeyTemperature   = "temperature"
	KeyMaxTokens     = "max_tokens"
	KeyShowReasoning = "show_reasoning"
)

const defaultSystemPrompt = "You are a warm, attentive counseling assistant. " +
	"Listen carefully, ask clarifying questions when something is unclear, " +
	"and answer in the language the user writes in."

type configField struct {
	key string
	def string
	get func(types.Config) string
	set func(*types.Config, string) error
}

var configFields = []configField{
	{
		key: KeyAPIKey,
		def: "",
		get: func(c types.Config) string { return c.APIKey },
		set: func(c *types.Config, v string) error { c.APIKey = v; return nil },
	},
	{
		key: KeyAPIBase,
		def: "https://api.deepseek.com",
		get: func(c types.Config) string { return c.APIBase },
		set: func(c *types.Config, v string) error { c.APIBase = v; return nil },
	},
	{
		key: KeyModel,
		def: "deepseek-reasoner",
		get: func(c types.Config) string { return c.Model },
		set: func(c *types.Config, v string) error { c.Model = v; return nil },
	},
	{
		key: KeySystemPrompt,
		def: defaultSystemPrompt,
		get: func(c types.Config) string { return c.SystemPrompt },
		set: func(c *types.Config, v string) error { c.SystemPrompt = v; return nil },
	},
	{
		key: KeyTemperature,
		def: "0.7",
		get: func(c types.Config) string { return strconv.FormatFloat(c.Temperature, 'f', -1, 64) },
		set: func(c *types.Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.Temperature = f
			return nil
		},
	},
	{
		key: KeyMaxTokens,
		def: "4096",
		get: func(c types.Config) string { return strconv.Itoa(c.MaxTokens) },
		set: func(c *types.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			c.MaxTokens = n
			return nil
		},
	},
	{
		key: KeyShowReasoning,
		def: "true",
		get: func(c types.Config) string { return strconv.FormatBool(c.ShowReasoning) },
		set: func(c *types.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			c.ShowReasoning = b
			return nil
		},
	},
}

// ConfigKeys lists every known config key in display order.
func ConfigKeys() []string {
	keys := make([]string, 0, len(configFields))
	for _, f := range configFields {
		keys = append(keys, f.key)
	}
	return keys
}

// DefaultConfig is the config a fresh database is seeded with.
func DefaultConfig() types.Config {
	var cfg types.Config
	for _, f := range configFields {
		_ = f.set(&cfg, f.def)
	}
	return cfg
}

// ConfigValue renders one field of cfg the way it is stored.
func ConfigValue(cfg types.Config, key string) (string, bool) {
	for _, f := range configFields {
		if f.key == key {
			return f.get(cfg), true
		}
	}
	return "", false
}

// ConfigStore keeps the flattened chat configuration in the config table.
// Nothing is cached; every load reads the table.
type ConfigStore struct {
	store *Store
	log   *logger.Logger
}

func NewConfigStore(store *Store, log *logger.Logger) *ConfigStore {
	return &ConfigStore{store: store, log: log.With("component", "config")}
}

func (c *ConfigStore) GetValue(ctx context.Context, key string, def string) (string, error) {
	v, err := c.store.Scalar(ctx, "SELECT value FROM config WHERE key = ?", key)
	if err != nil {
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	if v == nil {
		return def, nil
	}
	return asString(v), nil
}

func (c *ConfigStore) SetConfig(ctx context.Context, key string, value string) error {
	_, err := c.store.Exec(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to write config %s: %w", key, err)
	}
	return nil
}

// LoadFullConfig returns every known field. Missing rows are seeded with
// their default; rows already present are left alone, and a value that no
// longer parses is replaced by the default in the result only.
func (c *ConfigStore) LoadFullConfig(ctx context.Context) (types.Config, error) {
	var cfg types.Config

	rows, err := Query(ctx, c.store, "SELECT key, value FROM config", func(s Scanner) ([2]string, error) {
		var kv [2]string
		err := s.Scan(&kv[0], &kv[1])
		return kv, err
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	stored := make(map[string]string, len(rows))
	for _, kv := range rows {
		stored[kv[0]] = kv[1]
	}

	var missing []configField
	for _, f := range configFields {
		v, ok := stored[f.key]
		if !ok {
			missing = append(missing, f)
			v = f.def
		}
		if err := f.set(&cfg, v); err != nil {
			c.log.Warn("malformed config value, using default", "key", f.key, "value", v, "error", err)
			_ = f.set(&cfg, f.def)
		}
	}

	if len(missing) > 0 {
		err := c.store.WithTx(ctx, func(tx *Tx) error {
			for _, f := range missing {
				if _, err := tx.Exec(ctx,
					"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
					f.key, f.def,
				); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return cfg, fmt.Errorf("failed to seed config defaults: %w", err)
		}
		c.log.Debug("seeded config defaults", "count", len(missing))
	}
	return cfg, nil
}

// SaveFullConfig writes every field of cfg unconditionally.
func (c *ConfigStore) SaveFullConfig(ctx context.Context, cfg types.Config) error {
	err := c.store.WithTx(ctx, func(tx *Tx) error {
		for _, f := range configFields {
			if _, err := tx.Exec(ctx,
				"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
				f.key, f.get(cfg),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
