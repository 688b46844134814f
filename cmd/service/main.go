package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"session-service/internal/api"
	"session-service/internal/catalog"
	"session-service/internal/config"
	"session-service/internal/logger"
	"session-service/internal/realtime"
	"session-service/internal/session"
	"session-service/internal/store/postgres"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg := logger.New(logger.Config{
		Format:      cfg.LogFormat,
		Environment: cfg.Environment,
		Level:       logger.ParseLevel(cfg.LogLevel),
	})
	slog.SetDefault(lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("session-service: exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub()
	go hub.Run(ctx)

	var (
		publisher session.Publisher = hub
		rdb       *redis.Client
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("session-service: invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("session-service: redis: %w", err)
		}

		bridge := realtime.NewRedisBridge(rdb, hub, cfg.RedisChannel, lg)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				lg.Error("session-service: redis subscriber stopped", slog.Any("error", err))
			}
		}()
		publisher = bridge
	}

	var lookup catalog.Lookup
	if cfg.CatalogEnabled() {
		lookup = catalog.NewYouTubeClient(cfg.YouTubeAPIKey, cfg.YouTubeVideosURL)
		if rdb != nil {
			lookup = catalog.NewCache(lookup, rdb, cfg.CatalogCacheTTL, lg)
		}
	}
	tracks := catalog.NewEnricher(lookup, lg)

	reg := session.NewRegistry(store,
		session.WithPublisher(publisher),
		session.WithLogger(lg),
		session.WithIdleTimeout(cfg.WorkerIdleTimeout),
	)
	reg.StartTicker(ctx, cfg.AutoAdvanceInterval)

	presence := realtime.NewPresence(reg, cfg.DisconnectGrace, lg)
	if rdb != nil {
		presence.ShareCounts(realtime.NewRedisConnCounter(rdb, uuid.NewString()))
	}

	rooms := realtime.NewServer(hub, reg, realtime.Options{
		AllowedOrigin:     cfg.FrontendBaseURL,
		CommandsPerSecond: cfg.WSCommandsPerSecond,
		Presence:          presence,
		Tracks:            tracks,
		Logger:            lg,
	})

	var origins []string
	if cfg.FrontendBaseURL != "" {
		origins = []string{cfg.FrontendBaseURL}
	}
	srv := api.NewServer(reg, api.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: origins,
		Rooms:          rooms,
		Tracks:         tracks,
		Logger:         lg,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("session-service listening",
			slog.String("port", cfg.Port),
			slog.Bool("durable", cfg.Durable()),
			slog.Bool("redis", rdb != nil))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("session-service: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	lg.Info("session-service: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back
// to the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, lg *slog.Logger) (session.Store, func(), error) {
	if !cfg.Durable() {
		lg.Warn("session-service: DATABASE_URL not set, sessions are kept in memory")
		return session.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("session-service: pg: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("session-service: pg ping: %w", err)
	}
	if err := postgres.AutoMigrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("session-service: %w", err)
	}
	return postgres.New(pool), pool.Close, nil
}
