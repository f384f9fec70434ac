package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/cmd/migrate"
	"github.com/trunov/secondhand/internal/app"
	"github.com/trunov/secondhand/internal/config"
	"github.com/trunov/secondhand/pkg/logger"
)

var version = "dev"

func initSentry(cfg *config.SentryConfig, version string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
	})
}

func main() {
	var configFile string

	root := &cobra.Command{
		Use:           "secondhand",
		Short:         "Listing and photo ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.json", "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and print their status",
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				if cfg.Database.Driver != "postgres" {
					return fmt.Errorf("migrations only apply to postgres, driver is %q", cfg.Database.Driver)
				}
				if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
					return err
				}
				return migrate.Status(cfg.Database.DSN, migrate.Migrations)
			},
		},
		&cobra.Command{
			Use:   "recompress",
			Short: "Re-normalize published photos in place",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return recompress(cmd.Context(), configFile)
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func serve(ctx context.Context, configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := initSentry(&cfg.Sentry, version); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	// Flush buffered events before the program terminates.
	defer sentry.Flush(2 * time.Second)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}

	return a.Run(ctx)
}

// recompress walks the public directory and normalizes every JPEG in place.
// Files that would not shrink are left untouched.
func recompress(ctx context.Context, configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	n, err := app.NewNormalizer(cfg, log)
	if err != nil {
		return err
	}

	var scanned, rewritten, failed int
	err = filepath.WalkDir(cfg.Storage.PublicDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ext := strings.ToLower(filepath.Ext(path))
		if d.IsDir() || (ext != ".jpg" && ext != ".jpeg") {
			return nil
		}

		scanned++
		changed, err := n.Recompress(ctx, path)
		if err != nil {
			failed++
			log.Warn("recompress failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		if changed {
			rewritten++
		}
		return nil
	})

	log.Info("recompress finished",
		zap.Int("scanned", scanned),
		zap.Int("rewritten", rewritten),
		zap.Int("failed", failed))
	return err
}
