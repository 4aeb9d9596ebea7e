// Package app builds the long-lived services from configuration and hands them
// to the CLI commands and the HTTP server.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/api"
	"github.com/JakeFAU/citation-crawler/internal/auth"
	"github.com/JakeFAU/citation-crawler/internal/catalog"
	"github.com/JakeFAU/citation-crawler/internal/clock/system"
	"github.com/JakeFAU/citation-crawler/internal/config"
	"github.com/JakeFAU/citation-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/citation-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/citation-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/citation-crawler/internal/hash/sha256"
	"github.com/JakeFAU/citation-crawler/internal/id/uuid"
	"github.com/JakeFAU/citation-crawler/internal/ingest"
	"github.com/JakeFAU/citation-crawler/internal/metrics"
	"github.com/JakeFAU/citation-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/citation-crawler/internal/progress"
	pspublisher "github.com/JakeFAU/citation-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/citation-crawler/internal/storage/gcs"
	"github.com/JakeFAU/citation-crawler/internal/storage/local"
	"github.com/JakeFAU/citation-crawler/internal/storage/memory"
	"github.com/JakeFAU/citation-crawler/internal/storage/postgres"
	"github.com/JakeFAU/citation-crawler/internal/telemetry"
	"github.com/JakeFAU/citation-crawler/internal/worker"
)

// App holds the shared services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    crawler.Store
	pool     *pgxpool.Pool
	tracker  *progress.Tracker
	catalog  *catalog.Synchronizer
	worker   *worker.Worker
	verifier auth.TokenVerifier
	closers  []func()
}

// New wires every component named in cfg. It fails fast when a configured
// backend cannot be reached; anything opened before the failure is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics.Init()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	})

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	archive, err := a.openArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Enabled {
		v, err := auth.NewVerifier(auth.Config{
			IntrospectionURL: cfg.Auth.IntrospectionURL,
			Issuer:           cfg.Auth.Issuer,
			Audience:         cfg.Auth.Audience,
			AllowedEmail:     cfg.Auth.AllowedEmail,
			Timeout:          cfg.Auth.Timeout,
			Leeway:           cfg.Auth.Leeway,
		}, logger.Named("auth"))
		if err != nil {
			return nil, fmt.Errorf("init auth: %w", err)
		}
		a.verifier = v
	}

	a.tracker = progress.NewTracker(a.store)
	source := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Catalog.UserAgent,
		Timeout:     cfg.Catalog.Timeout,
		MaxBodySize: cfg.Catalog.MaxBodySize,
	})
	a.catalog = catalog.NewSynchronizer(source, a.store, cfg.Catalog.URL, logger.Named("catalog"))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.Crawler.RequestsPerMin,
		Burst:             cfg.Crawler.Burst,
	})
	retry := crawler.NewExponentialRetryPolicy(cfg.Crawler.MaxRecoveries, cfg.Crawler.BackoffInitial, cfg.Crawler.BackoffMax)
	deps := worker.Deps{
		Store:    a.store,
		Acquirer: a.acquirer(),
		Selector: a.tracker,
		Merger:   ingest.NewMerger(a.store, logger.Named("ingest")),
		Catalog:  a.catalog,
		Limiter:  limiter,
		Hasher:   sha256.New(),
		Retry:    retry,
		Clock:    system.New(),
		IDs:      uuid.New(),
	}
	if archive != nil {
		deps.Archive = archive
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	a.worker = worker.New(deps, worker.Config{
		SessionTimeout:         cfg.Crawler.RunTimeout,
		BackfillSessionTimeout: cfg.Crawler.BackfillTimeout,
		Topic:                  cfg.PubSub.Topic,
		ArchivePrefix:          cfg.Archive.Prefix,
	}, logger.Named("worker"))

	logger.Info("application services initialized",
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.DB.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		store, err := postgres.NewStoreWithPool(pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("init store: %w", err)
		}
		a.pool = pool
		a.store = store
	default:
		a.logger.Warn("using in-memory store; crawl state is lost on exit")
		a.store = memory.NewStore()
	}
	a.onClose(a.store.Close)
	return nil
}

func (a *App) openArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.BackendLocal:
		bs, err := local.New(local.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		return bs, nil
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		bs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		return bs, nil
	default:
		return nil, nil
	}
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	p := pspublisher.New(client)
	a.onClose(func() {
		p.Stop()
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	return p, nil
}

func (a *App) acquirer() crawler.Acquirer {
	if !a.cfg.Headless.Enabled {
		return headless.Unavailable{}
	}
	h := a.cfg.Headless
	return headless.NewAcquirer(headless.Config{
		RemoteURL:       h.RemoteURL,
		UserAgent:       h.UserAgent,
		BaseURL:         h.BaseURL,
		ReadySelector:   h.ReadySelector,
		ConsentSelector: h.ConsentSelector,
		DownloadDir:     h.DownloadDir,
		ReadyTimeout:    h.ReadyTimeout,
		ControlTimeout:  h.ControlTimeout,
		DownloadTimeout: h.DownloadTimeout,
		Jitter:          h.Jitter,
	}, a.logger.Named("headless"))
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the crawl store.
func (a *App) Store() crawler.Store { return a.store }

// Worker returns the crawl worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Catalog returns the catalog synchronizer.
func (a *App) Catalog() *catalog.Synchronizer { return a.catalog }

// Progress returns the progress tracker.
func (a *App) Progress() *progress.Tracker { return a.tracker }

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Runner:   a.worker,
		Catalog:  a.catalog,
		State:    a.tracker,
		Store:    a.store,
		Verifier: a.verifier,
	}, api.Config{
		DefaultBudget: a.cfg.Crawler.DefaultBudget,
		RunTimeout:    a.cfg.Crawler.RunTimeout,
	}, a.logger.Named("api"))
}

// Migrate creates or updates the Postgres schema. The in-memory store needs no
// schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.pool == nil {
		a.logger.Info("store has no schema to migrate", zap.String("db_backend", a.cfg.DB.Backend))
		return nil
	}
	if err := postgres.Migrate(ctx, a.pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
