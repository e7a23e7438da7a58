package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"previewer/api/internal/app"
	"previewer/api/internal/archive"
	"previewer/api/internal/auth"
	"previewer/api/internal/collab"
	"previewer/api/internal/config"
	"previewer/api/internal/directory"
	"previewer/api/internal/email"
	"previewer/api/internal/metrics"
	"previewer/api/internal/queue"
	"previewer/api/internal/store"
)

type services struct {
	service *app.Service
	closers []func()
}

func (r *services) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildServices connects every backing system and assembles the service.
// Meilisearch and the digest archive are optional; the service runs without them.
func buildServices(ctx context.Context, cfg config.Config, applyMigrations bool) (*services, error) {
	rt := &services{}
	fail := func(err error) (*services, error) {
		rt.Close()
		return nil, err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fail(fmt.Errorf("database connection failed: %w", err))
	}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	if applyMigrations {
		if err := runMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fail(err)
		}
	}

	notifications, err := queue.NewRedisQueue(ctx, cfg.RedisURL)
	if err != nil {
		return fail(fmt.Errorf("redis connection failed: %w", err))
	}
	rt.closers = append(rt.closers, func() { _ = notifications.Close() })

	provider, err := newProvider(cfg)
	if err != nil {
		return fail(err)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if !mailer.IsConfigured() {
		log.Warn().Msg("SMTP is not configured; dispatch sweeps will keep mailboxes queued")
	}

	deps := app.Deps{
		Store:    store.NewPostgresStore(db),
		Queue:    notifications,
		Provider: provider,
		Mailer:   mailer,
		Metrics:  metrics.New(),
		Logger:   log.Logger,
	}

	if cfg.Meili.URL != "" {
		index := directory.NewMeili(cfg.Meili.URL, cfg.Meili.MasterKey, log.Logger)
		rt.closers = append(rt.closers, index.Close)
		deps.Directory = directory.New(index, log.Logger)
	}

	if cfg.Archive.Configured() {
		sink, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
		})
		if err != nil {
			log.Warn().Err(err).Msg("digest archive unavailable; continuing without it")
		} else {
			deps.Archive = sink
		}
	}

	if cfg.Collab.WebhookSecret != "" {
		verifier, err := auth.NewWebhookVerifier(cfg.Collab.WebhookSecret)
		if err != nil {
			return fail(fmt.Errorf("webhook secret: %w", err))
		}
		deps.Webhooks = verifier
	} else {
		log.Warn().Msg("WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}

	secret, err := auth.NewSecretHash(cfg.Dispatch.Secret)
	if err != nil {
		return fail(fmt.Errorf("dispatch secret: %w", err))
	}
	deps.DispatchSecret = secret

	rt.service = app.NewService(deps, app.Options{
		BaseURL:         cfg.BaseURL,
		AdminToken:      cfg.AdminToken,
		OutboundTimeout: cfg.OutboundTimeout,
		Features: map[string]bool{
			"collab":    cfg.Collab.Secret != "",
			"email":     mailer.IsConfigured(),
			"webhooks":  deps.Webhooks != nil,
			"dispatch":  secret.Configured(),
			"directory": deps.Directory != nil,
			"archive":   deps.Archive != nil,
			"admin":     cfg.AdminToken != "",
		},
	})
	return rt, nil
}

func newProvider(cfg config.Config) (collab.Provider, error) {
	switch cfg.Collab.Mode {
	case config.CollabModeJWT:
		provider, err := collab.NewJWTProvider(cfg.Collab.Secret, cfg.Collab.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("collab provider: %w", err)
		}
		return provider, nil
	default:
		return collab.NewHTTPProvider(cfg.Collab.APIURL, cfg.Collab.Secret, cfg.OutboundTimeout), nil
	}
}

func runMigrations(ctx context.Context, db *sql.DB, dir string) error {
	applied, err := store.ApplyMigrations(ctx, db, dir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Msg("migrations applied")
	}
	return nil
}
