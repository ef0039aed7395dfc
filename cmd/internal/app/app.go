// Package app wires the courier server runtime: config, logging, storage, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction for resources closed on shutdown.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the courier server runtime.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool *pgxpool.Pool
	sqlDB  *sql.DB

	svc     *realtime.Service
	ws      *realtime.WSGateway
	api     *chatapi.Handler
	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	stores, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	var reg *prometheus.Registry
	var registerer prometheus.Registerer
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registerer = reg
	}

	svc, err := realtime.NewService(log, stores.users, stores.history, realtime.Config{
		SessionTimeout: cfg.SessionTimeout,
		SweepInterval:  cfg.SweepInterval,
		Registerer:     registerer,
	})
	if err != nil {
		_ = stores.Close(ctx)
		return nil, err
	}

	api, err := chatapi.NewHandler(log, svc, chatapi.LoadConfigFromEnv())
	if err != nil {
		_ = stores.Close(ctx)
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     log,
		store:   stores,
		dbPool:  stores.pool,
		sqlDB:   stores.sqlDB,
		svc:     svc,
		ws:      realtime.NewWSGateway(log, svc),
		api:     api,
		metrics: reg,
	}, nil
}

// Handler returns the server's full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:     a.log,
		cfg:     a.cfg,
		dbPool:  a.dbPool,
		sqlDB:   a.sqlDB,
		ws:      a.ws,
		api:     a.api,
		metrics: a.metrics,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the sweeper and the HTTP server and blocks until ctx is done or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.svc.Sweeper().Run(sweepCtx); err != nil {
			a.log.Error("sweep.fail", "err", err)
		}
	}()
	defer func() {
		stopSweep()
		wg.Wait()
	}()

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.storeMode(),
		"session_timeout", a.cfg.SessionTimeout.String(),
		"metrics", a.metrics != nil,
	)
	a.log.Info("server.urls", "http", runtimeBaseURL(a.cfg.HTTPAddr), "ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

// Close releases storage without running the server.
func (a *App) Close(ctx context.Context) error {
	return a.store.Close(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// appStores holds the identity and history stores plus the handle backing them.
// The app owns the pool or db handle; the stores' Close is a no-op.
type appStores struct {
	users   identity.Store
	history realtime.HistoryStore

	pool  *pgxpool.Pool
	sqlDB *sql.DB
}

func (s appStores) Close(_ context.Context) error {
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.users != nil {
		_ = s.users.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}

// newStores picks Postgres, SQLite or in-memory persistence.
func newStores(ctx context.Context, cfg Config, log Logger) (appStores, error) {
	switch cfg.storeMode() {
	case "postgres":
		return newPostgresStores(ctx, cfg, log)
	case "sqlite":
		return newSQLiteStores(ctx, cfg, log)
	default:
		log.Info("db.disabled.inmemory_store")
		return appStores{
			users:   identity.NewInMemoryStore(),
			history: realtime.NewInMemoryStore(),
		}, nil
	}
}

func newPostgresStores(ctx context.Context, cfg Config, log Logger) (appStores, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return appStores{}, fmt.Errorf("postgres: %w", err)
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return appStores{}, err
	}
	history, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return appStores{}, err
	}

	if err := users.EnsureSchema(ctx); err != nil {
		pool.Close()
		return appStores{}, fmt.Errorf("postgres: users schema: %w", err)
	}
	if err := history.EnsureSchema(ctx); err != nil {
		pool.Close()
		return appStores{}, fmt.Errorf("postgres: messages schema: %w", err)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return appStores{users: users, history: history, pool: pool}, nil
}

func newSQLiteStores(ctx context.Context, cfg Config, log Logger) (appStores, error) {
	db, err := OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return appStores{}, fmt.Errorf("sqlite: %w", err)
	}

	users, err := identity.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return appStores{}, err
	}
	history, err := realtime.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return appStores{}, err
	}

	log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
	return appStores{users: users, history: history, sqlDB: db}, nil
}
