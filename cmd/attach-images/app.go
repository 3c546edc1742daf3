package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/cache"
	"github.com/twistermc/attach-images/internal/config"
	"github.com/twistermc/attach-images/internal/matcher"
	"github.com/twistermc/attach-images/internal/metrics"
	"github.com/twistermc/attach-images/internal/scan"
	"github.com/twistermc/attach-images/internal/search"
	"github.com/twistermc/attach-images/internal/storage"
)

// app holds the wired components shared by the commands
type app struct {
	cfg          *config.Config
	db           *storage.DB
	index        *search.Index
	store        cache.Store
	matchCache   *matcher.Cache
	matcher      *matcher.Matcher
	orchestrator *scan.Orchestrator
	metrics      *metrics.Manager

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type appOptions struct {
	// withIndex opens the bleve index even when search uses sqlite
	withIndex   bool
	concurrency int
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	db, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	var searcher matcher.Searcher = db
	if cfg.Search.Backend == config.SearchBleve || opts.withIndex {
		idx, err := search.Open(cfg.IndexPath())
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open search index: %w", err)
		}
		a.index = idx
		a.closers = append(a.closers, idx)
		if cfg.Search.Backend == config.SearchBleve {
			searcher = idx
		}
	}

	sqliteStore := db.CacheStore()
	store, closeStore, err := cache.New(ctx, cache.Options{
		Backend:    cfg.Cache.Backend,
		MemorySize: cfg.Cache.MemorySize,
		Redis: cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		SQLite: sqliteStore,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if store == cache.Store(sqliteStore) {
		if purged, err := sqliteStore.PurgeExpired(ctx); err != nil {
			log.Warn().Err(err).Msg("app: purge expired cache entries")
		} else if purged > 0 {
			log.Debug().Int("purged", purged).Msg("app: expired cache entries removed")
		}
	}
	a.store = store
	a.closers = append(a.closers, closerFunc(closeStore))

	a.metrics = metrics.NewManager()
	a.matchCache = matcher.NewCache(store, cfg.CachePolicy())
	a.matcher = matcher.New(searcher, a.matchCache,
		matcher.Generator{BaseURL: cfg.Site.UploadBaseURL},
		matcher.WithObserver(a.metrics),
	)

	concurrency := cfg.Scan.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}
	a.orchestrator = scan.NewOrchestrator(db, a.matcher,
		scan.WithConcurrency(concurrency),
		scan.WithRecorder(a.metrics),
	)

	log.Debug().
		Str("search", cfg.Search.Backend).
		Str("cache", cache.Kind(store)).
		Int("concurrency", concurrency).
		Msg("app: components ready")

	return a, nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
