package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/download"
	"PenaltyScanner/internal/extract"
	"PenaltyScanner/internal/httpapi"
	"PenaltyScanner/internal/infrastructure/browser"
	"PenaltyScanner/internal/infrastructure/csvstore"
	"PenaltyScanner/internal/infrastructure/llm"
	"PenaltyScanner/internal/infrastructure/ocr"
	"PenaltyScanner/internal/infrastructure/parser"
	"PenaltyScanner/internal/infrastructure/scheduler"
	"PenaltyScanner/internal/infrastructure/storage"
	"PenaltyScanner/internal/infrastructure/telegram"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/ports"
	"PenaltyScanner/internal/ratelimit"
	"PenaltyScanner/internal/scanner"
	"PenaltyScanner/internal/usecase"
)

const dbConnectTimeout = 5 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg config.Config

	Crawler   *usecase.Crawler
	Downloads *usecase.Downloads
	Extractor *usecase.Extractor
	Publisher *usecase.Publisher
	Pipeline  *usecase.Pipeline
	Scheduler *usecase.Scheduler
	HTTP      *httpapi.Server

	db     *sql.DB
	chrome *browser.ChromeFetcher
}

// New builds every component from cfg. The document store is optional: when it cannot be
// reached the application still crawls, downloads and extracts, and publishing reports the error.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	a := &Application{cfg: cfg}

	store, err := csvstore.New(cfg.Storage.DataDir, csvstore.Options{
		CacheSize: cfg.Storage.CacheSize,
		CacheTTL:  cfg.Storage.CacheTTL,
		Logger:    baseLogger.With("component", "csvstore"),
	})
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	baseLogger.Debug("record store opened", "dir", store.Dir())

	var docs ports.DocumentStore
	if cfg.Database.DSN != "" {
		dbCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
		db, err := storage.Open(dbCtx, cfg.Database.DSN)
		cancel()
		if err != nil {
			baseLogger.Warn("document store unavailable", "error", err)
		} else {
			pg := storage.NewPostgresDocuments(db, cfg.Database.Table)
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("prepare document store: %w", err)
			}
			a.db = db
			docs = pg
		}
	}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewPBCStrategy())
	registry.Register(parser.NewGenericStrategy())

	var fetcher ports.PageFetcher
	if cfg.Crawler.Browser {
		a.chrome = browser.NewChromeFetcher(browser.ChromeOptions{
			Headless:    cfg.Crawler.HeadlessMode(),
			UserAgent:   cfg.Crawler.UserAgent,
			PageTimeout: cfg.Crawler.PageTimeout,
			Settle:      time.Second,
			Logger:      baseLogger.With("component", "browser"),
		})
		fetcher = a.chrome
	} else {
		fetcher = browser.NewHTTPFetcher(nil, cfg.Crawler.UserAgent, baseLogger.With("component", "browser"))
	}

	a.Crawler = usecase.NewCrawler(usecase.CrawlerDeps{
		Fetcher:         fetcher,
		Store:           store,
		Registry:        registry,
		Regions:         cfg.Regions,
		Pacer:           ratelimit.NewRandomDelay(cfg.Crawler.DelayMin, cfg.Crawler.DelayMax),
		CheckpointEvery: cfg.Crawler.CheckpointEvery,
		Logger:          baseLogger.With("component", "crawler"),
	})

	a.Downloads = usecase.NewDownloads(usecase.DownloadsDeps{
		Manager: download.NewManager(download.Options{
			MaxRetries:     cfg.Download.MaxRetries,
			BackoffBase:    cfg.Download.BackoffBase,
			BackoffCap:     cfg.Download.BackoffCap,
			ConnectTimeout: cfg.Download.ConnectTimeout,
			ReadTimeout:    cfg.Download.ReadTimeout,
			UserAgent:      cfg.Crawler.UserAgent,
			Logger:         baseLogger.With("component", "downloader"),
		}),
		Sources: download.NewSources(),
		Session: download.SessionOptions{
			Dir:         cfg.Storage.AttachmentsDir,
			Concurrency: cfg.Download.Concurrency,
			MaxRetries:  cfg.Download.MaxRetries,
			TTL:         cfg.Download.SessionTTL,
		},
		Store:   store,
		Regions: cfg.Regions,
		Logger:  baseLogger,
	})

	normalizer := extract.New(
		llm.NewChatClient(cfg.LLM),
		extract.NewAccumulator(cfg.Storage.SnapshotDir, cfg.LLM.SnapshotEvery, baseLogger.With("component", "accumulator")),
		extract.Options{
			Model:        cfg.LLM.Model,
			SystemPrompt: cfg.LLM.SystemPrompt,
			MaxAttempts:  cfg.LLM.MaxAttempts,
			BackoffBase:  cfg.LLM.BackoffBase,
			BackoffCap:   cfg.LLM.BackoffCap,
			Logger:       baseLogger.With("component", "normalizer"),
		},
	)
	texts := ocr.NewRouter(ocr.NewClient(cfg.OCR.Endpoint, cfg.OCR.APIKey, cfg.OCR.Timeout), baseLogger.With("component", "ocr"))
	a.Extractor = usecase.NewExtractor(store, texts, normalizer, baseLogger)
	a.Publisher = usecase.NewPublisher(docs, store, 0, baseLogger)

	var notifier ports.Notifier
	if n := telegram.NewNotifier(cfg.Notifications.Telegram); n != nil {
		notifier = n
	}

	a.Pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Crawler:   a.Crawler,
		Downloads: a.Downloads,
		Extractor: a.Extractor,
		Publisher: a.Publisher,
		Notifier:  notifier,
		Regions:   cfg.Regions,
		Logger:    baseLogger,
	})
	a.Scheduler = usecase.NewScheduler(
		scheduler.NewTickerScheduler(cfg.Scheduler.Interval, cfg.Scheduler.Location()),
		a.Pipeline,
		baseLogger.With("component", "scheduler"),
	)
	a.HTTP = httpapi.New(httpapi.Deps{
		Downloads: a.Downloads,
		Pipeline:  a.Pipeline,
		Publisher: a.Publisher,
		Regions:   cfg.Regions,
		Config:    cfg.HTTP,
		Logger:    baseLogger,
	})
	return a, nil
}

// Region returns the configuration of a named region.
func (a *Application) Region(name string) (config.RegionConfig, bool) {
	return a.cfg.Region(name)
}

// Serve runs the HTTP API and the scheduler until ctx is cancelled or one of them fails.
func (a *Application) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.HTTP.Run(ctx)
	})
	g.Go(func() error {
		if err := a.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.Scheduler.Stop(stopCtx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the browser and the database connection.
func (a *Application) Close() error {
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
