package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/datastore"
	"github.com/sells-group/apod-cache/internal/db"
	"github.com/sells-group/apod-cache/internal/store"
	"github.com/sells-group/apod-cache/internal/transfer"
)

// cacheEnv holds the store, fetcher and data store used by the refresh,
// reattach and serve commands.
type cacheEnv struct {
	Store   store.Store
	Fetcher *transfer.Fetcher
	Data    *datastore.DataStore

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Close stops the event loop, the fetcher and the store, in that order.
// Background partial files and their journal rows are kept for the next
// reattach.
func (e *cacheEnv) Close() {
	if e.Fetcher != nil {
		e.Fetcher.Close()
	}
	if e.stop != nil {
		e.stop()
	}
	e.wg.Wait()
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "apod.db"
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrap(err, "create database dir")
			}
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initCache sets up the store, the fetcher and the data store, restores the
// persisted slots and starts the event loop. cfg must already be validated.
// Callers should defer env.Close().
func initCache(ctx context.Context) (*cacheEnv, error) {
	descriptorURL, err := cfg.Provider.DescriptorURL()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	f := transfer.NewFetcher(transfer.Options{
		SessionID:        cfg.Fetcher.SessionID,
		UserAgent:        cfg.Fetcher.UserAgent,
		Timeout:          cfg.Fetcher.Timeout(),
		ProgressInterval: cfg.Fetcher.ProgressInterval(),
		TempDir:          cfg.Fetcher.TempDirOrDefault(),
		DataDir:          cfg.Fetcher.DataDir,
		RateLimit:        cfg.Fetcher.RateLimit,
		Journal:          st,
	})

	ds := datastore.New(f, st, datastore.Options{
		DescriptorURL:  descriptorURL,
		CacheDir:       cfg.Cache.Dir,
		Background:     cfg.Fetcher.Background,
		Mode:           datastore.ConcurrencyMode(cfg.Cache.ConcurrentRefresh),
		ResumeAttempts: cfg.Cache.ResumeAttempts,
	})
	if err := ds.Load(ctx); err != nil {
		f.Close()
		_ = st.Close()
		return nil, eris.Wrap(err, "load cached assets")
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	env := &cacheEnv{Store: st, Fetcher: f, Data: ds, stop: stop}
	env.wg.Add(1)
	go func() {
		defer env.wg.Done()
		if err := ds.Run(runCtx); err != nil && !eris.Is(err, context.Canceled) {
			zap.L().Error("datastore event loop stopped", zap.Error(err))
		}
	}()

	zap.L().Info("cache ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("session_id", f.SessionID()),
	)
	return env, nil
}
