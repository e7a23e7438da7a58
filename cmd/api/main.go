package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"previewer/api/internal/app"
	"previewer/api/internal/config"
	"previewer/api/internal/logutils"
	"previewer/api/internal/store"
)

type flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
}

func main() {
	var (
		logCloser func()
		cfg       config.Config
		f         flags
	)

	cmd := &cli.Command{
		Name:  "previewer",
		Usage: "Shareable draft previews with live comments and email digests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to stdout)",
				Sources:     cli.EnvVars("LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to YAML config file",
				Sources:     cli.EnvVars("CONFIG_PATH"),
				Destination: &f.ConfigPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			loaded, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			if !c.IsSet("log-level") && cfg.Log.Level != "" {
				f.LogLevel = cfg.Log.Level
			}
			if f.LogFile == "" {
				f.LogFile = cfg.Log.File
			}

			logger, closer, err := logutils.New(f.LogLevel, f.LogFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer
			return ctx, nil
		},
		After: func(context.Context, *cli.Command) error {
			if logCloser != nil {
				logCloser()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: func(ctx context.Context, _ *cli.Command) error { return serve(ctx, cfg) },
			},
			{
				Name:   "sweep",
				Usage:  "Run one notification dispatch sweep and exit",
				Action: func(ctx context.Context, _ *cli.Command) error { return sweepOnce(ctx, cfg) },
			},
			{
				Name:   "migrate",
				Usage:  "Apply pending database migrations",
				Action: func(ctx context.Context, _ *cli.Command) error { return migrate(ctx, cfg) },
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error { return serve(ctx, cfg) },
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("previewer exited with error")
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	rt, err := buildServices(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Dispatch.Interval > 0 {
		go rt.service.StartSweeper(ctx, cfg.Dispatch.Interval)
		log.Info().Dur("interval", cfg.Dispatch.Interval).Msg("in-process dispatch sweeper started")
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin, log.Logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("previewer API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}

func sweepOnce(ctx context.Context, cfg config.Config) error {
	rt, err := buildServices(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	summary, err := rt.service.RunSweep(ctx)
	if err != nil {
		return fmt.Errorf("dispatch sweep: %w", err)
	}
	log.Info().
		Int("recipients", summary.TotalRecipients).
		Int("sent", summary.Sent).
		Int("skipped", summary.Skipped).
		Int("errors", len(summary.Errors)).
		Msg("dispatch sweep finished")
	return nil
}

func migrate(ctx context.Context, cfg config.Config) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	log.Info().Strs("applied", applied).Msg("migrations complete")
	return nil
}
