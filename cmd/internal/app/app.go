// Package app wires the stoop chat server runtime: config, logging, the
// durable conversation store, the HTTP API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"stoop/cmd/internal/auth"
	"stoop/cmd/internal/chat"
	"stoop/cmd/internal/notify"
	"stoop/cmd/internal/profile"
	"stoop/cmd/internal/realtime"
)

// App owns the process-wide resources and their shutdown order.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb *redis.Client
	pub notify.Publisher

	store chat.Store

	chats   *chat.Handler
	gateway *realtime.Gateway

	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("app: STOOP_JWT_SECRET is required")
	}
	resolver, err := auth.NewJWTResolver([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		log.Info("cache.enabled.redis", "addr", cfg.RedisAddr)
	} else {
		log.Info("cache.disabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.pub = pub
		log.Info("events.enabled.kafka", "brokers", cfg.KafkaBrokers)
	} else {
		a.pub = notify.NopPublisher{}
		log.Info("events.disabled")
	}

	svc := chat.NewService(log, a.store, chat.NewListCache(a.rdb), a.pub)

	chats, err := chat.NewHandler(log, svc, resolver)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.chats = chats

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	wsMetrics := realtime.NewMetrics(a.metrics)

	presence := realtime.NewPresence(wsMetrics)
	hub := realtime.NewHub(log, presence, wsMetrics)
	a.gateway = realtime.NewGateway(log, hub, presence, resolver, svc, wsMetrics)

	return a, nil
}

// initStore decides between Postgres-backed persistence and the in-memory
// dev store, and wires the matching profile directory.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		dir := profile.NewMemoryDirectory()
		if a.cfg.DevSeed {
			seedDevDirectory(dir)
			a.log.Info("db.disabled.inmemory_store", "dev_seed", true)
		} else {
			a.log.Info("db.disabled.inmemory_store")
		}
		a.store = chat.NewMemoryStore(dir)
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	if a.cfg.AutoMigrate {
		if err := Migrate(ctx, pool, a.cfg.DBSchema); err != nil {
			pool.Close()
			return err
		}
		a.log.Info("db.migrated", "schema", a.cfg.DBSchema)
	}

	dir, err := profile.NewPostgresDirectory(pool, profile.WithDirectorySchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	store, err := chat.NewPostgresStore(pool, dir, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}

	a.dbPool = pool
	a.dbEnabled = true
	a.store = store
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.gateway, a.chats, a.metrics)

	var handler http.Handler = mux
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithSecurityHeaders(handler)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

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
		a.closeResources()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.closeResources()
		return err
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Error("events.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("cache.close.fail", "err", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// seedDevDirectory installs a few demo residents so the in-memory mode is
// usable without a platform database.
func seedDevDirectory(dir *profile.MemoryDirectory) {
	hood := profile.Neighborhood{ID: "hood-demo", Name: "Demo Heights"}
	dir.Add(profile.Summary{ID: "user-demo-1", Name: "Demo One", Email: "one@demo.local"}, hood)
	dir.Add(profile.Summary{ID: "user-demo-2", Name: "Demo Two", Email: "two@demo.local"}, hood)
	dir.Add(profile.Summary{ID: "user-demo-3", Name: "Demo Three", Email: "three@demo.local"}, hood)
}
