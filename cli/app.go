package cli

import (
	"fmt"

	"deepchat/chat"
	"deepchat/config"
	"deepchat/db"
	"deepchat/llm"
	"deepchat/logger"
)

// app owns every long-lived component of one invocation.
type app struct {
	cfg      config.AppConfig
	log      *logger.Logger
	store    *db.Store
	settings *db.ConfigStore
	repo     *db.Repository
	client   *llm.Client
	sender   *chat.Sender
}

func newApp() (*app, error) {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		config.PrintConfigErrorMessage(err)
		return nil, err
	}

	dataDir, err := cfg.ResolvedDataDir()
	if err != nil {
		return nil, err
	}
	dbPath, err := db.Path(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logPath, err := cfg.LogFilePath()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode, logPath)
	if err != nil {
		return nil, err
	}

	store, err := db.Open(dbPath, log)
	if err != nil {
		log.Error("failed to open database", "path", dbPath, "error", err)
		return nil, err
	}

	settings := db.NewConfigStore(store, log)
	repo := db.NewRepository(store, log)
	client := llm.NewClient(settings, llm.Options{
		Timeout:  cfg.RequestTimeout(),
		RetryMax: cfg.RetryMax,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		settings: settings,
		repo:     repo,
		client:   client,
		sender:   chat.NewSender(repo, client, log),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", "error", err)
	}
	_ = a.log.Sync()
}
