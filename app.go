package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"bounty-digest/config"
	"bounty-digest/digest"
	"bounty-digest/email"
	"bounty-digest/source"
	docstore "bounty-digest/storage"
)

// app bundles the wired collaborators shared by every command.
type app struct {
	logger   *slog.Logger
	store    *docstore.Store
	source   *source.Client
	sender   *email.Sender
	engine   *digest.Engine
	provider string
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	store := docstore.New(backend, cfg.SubscribersFile, cfg.StateFile, logger)

	provider, name, err := newProvider(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sender := email.New(provider, logger, cfg.BoardName, cfg.BoardURL, cfg.SendRate)

	src := source.New(&http.Client{Timeout: 30 * time.Second}, cfg.APIBaseURL, logger)

	engine := digest.New(&digest.Config{
		Source:      src,
		Subscribers: store,
		Watermarks:  store,
		Mailer:      sender,
		Logger:      logger,
		BoardName:   cfg.BoardName,
		Schedule: digest.Schedule{
			Location:  cfg.Location,
			Hour:      cfg.DigestHour,
			WeeklyDay: cfg.WeeklyDay,
		},
	})

	return &app{
		logger:   logger,
		store:    store,
		source:   src,
		sender:   sender,
		engine:   engine,
		provider: name,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close storage", "error", err)
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (docstore.Backend, error) {
	switch cfg.StorageDriver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return docstore.NewGCSBackend(client, cfg.StorageBucket, logger), nil
	case config.DriverSQLite:
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return docstore.NewSQLiteBackend(ctx, cfg.SQLitePath, logger)
	default:
		logger.Info("Using local storage", "storage_path", cfg.LocalStorage)
		return docstore.NewLocalBackend(cfg.LocalStorage, logger)
	}
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, string, error) {
	switch name := cfg.Provider(); name {
	case config.ProviderResend:
		return email.NewResendProvider(cfg.ResendAPIKey, cfg.FromEmail, cfg.FromName, logger), name, nil
	case config.ProviderBrevo:
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromEmail, cfg.FromName, logger), name, nil
	case config.ProviderGmail:
		svc, err := newGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, "", fmt.Errorf("initialize gmail service: %w", err)
		}
		return email.NewGmailProvider(svc, logger), name, nil
	default:
		logger.Info("Mock email mode enabled, digests are logged instead of sent")
		return email.NewMockProvider(logger), config.ProviderMock, nil
	}
}

// newGmailService uses explicit credentials when given and Application
// Default Credentials otherwise. The account needs the gmail.send scope.
func newGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	return gmail.NewService(ctx)
}

func isNotFound(err error) bool {
	return docstore.IsNotFound(err)
}

func isDuplicate(err error) bool {
	return errors.Is(err, docstore.ErrDuplicateEmail)
}
