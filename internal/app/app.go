package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/cmd/migrate"
	"github.com/trunov/secondhand/internal/cache"
	"github.com/trunov/secondhand/internal/config"
	"github.com/trunov/secondhand/internal/metrics"
	"github.com/trunov/secondhand/internal/parser"
	"github.com/trunov/secondhand/internal/processor"
	"github.com/trunov/secondhand/internal/queue"
	"github.com/trunov/secondhand/internal/r2"
	"github.com/trunov/secondhand/internal/redisholder"
	"github.com/trunov/secondhand/internal/redismanager"
	"github.com/trunov/secondhand/internal/repository/mongostore"
	"github.com/trunov/secondhand/internal/repository/storage"
	"github.com/trunov/secondhand/internal/staging"
	"github.com/trunov/secondhand/internal/transport/handler"
	"github.com/trunov/secondhand/internal/transport/router"
	use_case "github.com/trunov/secondhand/internal/use-case"
)

type repository interface {
	use_case.ListingStore
	Close(ctx context.Context) error
}

type App struct {
	HttpServer *http.Server

	cfg     *config.Config
	log     *zap.Logger
	repo    repository
	mirror  *r2.S3
	holder  *redisholder.Holder
	sweeper func(ctx context.Context)
}

// New wires every component. Background loops (redis health, derivative
// workers) are bound to ctx.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	repo, err := openRepository(ctx, &cfg.Database, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, repo: repo}
	if err := a.wire(ctx); err != nil {
		_ = repo.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Database, log *zap.Logger) (repository, error) {
	switch cfg.Driver {
	case "mongo":
		repo, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		log.Info("using mongo listing store", zap.String("database", cfg.MongoDatabase))
		return repo, nil
	default:
		if err := migrate.Migrate(cfg.DSN, migrate.Migrations); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		repo, err := storage.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info("using postgres listing store")
		return repo, nil
	}
}

func (a *App) wire(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	if err := os.MkdirAll(cfg.Storage.PublicDir, 0o755); err != nil {
		return fmt.Errorf("create public dir: %w", err)
	}
	stager, err := staging.New(cfg.Storage.TempDir, log)
	if err != nil {
		return err
	}
	normalizer, err := NewNormalizer(cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ingest, err := metrics.NewIngest("secondhand", reg)
	if err != nil {
		return err
	}

	deps := use_case.Deps{
		Store:      a.repo,
		Stager:     stager,
		Normalizer: normalizer,
		Metrics:    ingest,
		Log:        log.Named("use-case"),
	}

	var queueMirror queue.Mirror
	if cfg.R2.Enabled {
		a.mirror, err = r2.NewStorage(ctx, &cfg.R2, log)
		if err != nil {
			return err
		}
		deps.Mirror = a.mirror
		queueMirror = a.mirror
	}

	if cfg.Redis.Enabled {
		a.holder, err = redisholder.Build(ctx, &cfg.Redis, log)
		if err != nil {
			return err
		}
		deps.Cache = cache.NewRedisFeed(cache.NewCache("secondhand:feed", a.holder), cfg.Cache.FeedTTL, log)
		deps.Idempotency = redismanager.NewManager(a.holder, cfg.Idempotency.TTL)

		if cfg.WebP.Enabled {
			deps.Queue = queue.Init(ctx, a.holder, cfg.WebP, cfg.Storage.PublicDir, queueMirror, log)
		}
	} else {
		deps.Cache = cache.NewLocalFeed(cfg.Cache.Size, cfg.Cache.FeedTTL, log)
		if cfg.WebP.Enabled {
			log.Warn("webp worker needs redis; derivatives are disabled")
		}
	}

	if cfg.Parser.Enabled {
		deps.Parser = parser.New(cfg.Parser, log)
	}

	uc := use_case.New(deps, use_case.Settings{
		MaxPhotos: cfg.Upload.MaxPhotos,
		Workers:   cfg.Image.Workers,
		PublicDir: cfg.Storage.PublicDir,
	})

	h := handler.New(uc, cfg, log)
	r := router.NewRouter(h, router.Options{
		PublicDir:    cfg.Storage.PublicDir,
		PublicPrefix: cfg.Storage.PublicPrefix,
		AdminToken:   cfg.Admin.Token,
		Gatherer:     reg,
	})

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	a.HttpServer = &http.Server{
		Handler:      sentryHandler.Handle(r),
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.sweeper = func(ctx context.Context) {
		staging.RunSweeper(ctx, log.Named("sweeper"), cfg.Storage.SweepInterval, cfg.Storage.StaleAfter,
			cfg.Storage.TempDir, cfg.Storage.ProcessingDir)
	}

	return nil
}

// NewNormalizer builds the photo normalizer from config.
func NewNormalizer(cfg *config.Config, log *zap.Logger) (*processor.Normalizer, error) {
	return processor.NewNormalizer(processor.Options{
		OutDir:       cfg.Storage.ProcessingDir,
		PublicPrefix: cfg.Storage.PublicPrefix,
		MaxWidth:     cfg.Image.MaxWidth,
		Quality:      cfg.Image.Quality,
		Timeout:      cfg.Image.Timeout,
	}, log.Named("normalizer"))
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.sweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting server", zap.String("addr", a.HttpServer.Addr))
		errCh <- a.HttpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		a.log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown", zap.Error(err))
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if err := a.repo.Close(shutdownCtx); err != nil {
		a.log.Error("close listing store", zap.Error(err))
	}

	return serveErr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
