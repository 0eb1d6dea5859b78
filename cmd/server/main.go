// Command server runs the ts-vod API and, in the same process, the
// processing worker: multipart ingest, the tenant-scoped catalog, range
// streaming, the websocket hub, and the ffmpeg pipeline behind the Redis
// queue.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-vod/internal/api"
	"github.com/technosupport/ts-vod/internal/auth"
	"github.com/technosupport/ts-vod/internal/blob"
	"github.com/technosupport/ts-vod/internal/config"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/events"
	"github.com/technosupport/ts-vod/internal/log"
	"github.com/technosupport/ts-vod/internal/media"
	"github.com/technosupport/ts-vod/internal/metrics"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/queue"
	"github.com/technosupport/ts-vod/internal/ratelimit"
	"github.com/technosupport/ts-vod/internal/realtime"
	"github.com/technosupport/ts-vod/internal/session"
	"github.com/technosupport/ts-vod/internal/tokens"
	"github.com/technosupport/ts-vod/internal/worker"
)

// version is stamped via -ldflags at release builds.
var version = "dev"

const (
	processingQueue = "video-processing"
	eventsSubject   = "vod.video.events"

	// defaultOrgStorageGB applies to organizations created at registration
	// and to rows predating per-organization settings.
	defaultOrgStorageGB = 10
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "ts-vod"})
	logger := log.Base()
	logger.Info().Str("version", version).Str("env", cfg.Env).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := pingDB(ctx, db); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := pingRedis(ctx, rdb); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	blobs, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	videos := data.VideoModel{DB: db}
	users := data.UserModel{DB: db}
	orgs := data.OrganizationModel{DB: db}

	hub := realtime.NewHub(log.WithComponent("realtime"))

	// With NATS configured the worker publishes only to the subject and the
	// bridge replays envelopes into the local hub, so clients of every
	// instance see events exactly once. Without NATS events go straight to
	// the in-process hub.
	var (
		publisher events.Publisher
		nc        *nats.Conn
		bridge    *events.Bridge
	)
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("ts-vod"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		publisher = events.NewNATSPublisher(nc, eventsSubject, 3)
		bridge = events.NewBridge(nc, eventsSubject, hub)
		if err := bridge.Start(); err != nil {
			return err
		}
		logger.Info().Str("subject", eventsSubject).Msg("nats event bridge running")
	} else {
		publisher = events.NewHubPublisher(hub)
	}

	jobs := queue.New(rdb, processingQueue, queue.Config{})
	tools := media.NewToolchain(cfg.FFprobePath, cfg.FFmpegPath)
	proc := worker.New(jobs, videos, blobs, tools, tools, publisher, cfg.WorkerConcurrency)
	proc.Start(ctx)

	tokenMgr := tokens.NewManager(cfg.AccessSecret, cfg.RefreshSecret, cfg.AccessTTL, cfg.RefreshTTL)
	hasher := auth.NewHasher(cfg.BcryptCost)
	blacklist := auth.NewRedisBlacklist(rdb)
	lockouts := session.NewManager(rdb)

	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitSalt)
	limits := middleware.NewRateLimit(limiter, tokenMgr, cfg.RateLimit, log.WithComponent("ratelimit"))
	if err := config.WatchRateLimits(ctx, cfg.ConfigFile, limits.SetConfig); err != nil {
		logger.Warn().Err(err).Str("path", cfg.ConfigFile).Msg("rate limit reload disabled")
	}

	collector := metrics.NewCollector(metrics.Config{
		Jobs:    jobs,
		Videos:  videos,
		Clients: hub,
		Disk:    blobs,
	})
	go collector.Start(ctx)

	defaults := api.OrgDefaults{
		MaxStorageGB:   defaultOrgStorageGB,
		MaxVideoSizeMB: int(cfg.MaxUploadBytes >> 20),
		AllowedFormats: cfg.AllowedFormats,
	}

	router := api.NewRouter(api.Deps{
		Auth: &api.AuthHandler{
			DB:         db,
			Tokens:     tokenMgr,
			Hasher:     hasher,
			Lockouts:   lockouts,
			Revoker:    blacklist,
			Defaults:   defaults,
			Production: cfg.Production(),
			Logger:     log.WithComponent("auth"),
		},
		Videos: &api.VideoHandler{
			Videos:   videos,
			Orgs:     orgs,
			Blobs:    blobs,
			Jobs:     jobs,
			Process:  queue.Options{Priority: 5, MaxAttempts: 3, Timeout: cfg.ProcessingTimeout},
			Fallback: defaults,
			Logger:   log.WithComponent("videos"),
		},
		Stream: api.NewStreamHandler(videos, blobs, log.WithComponent("stream")),
		WS:     api.NewWSHandler(hub, videos, cfg.FrontendOrigin, log.WithComponent("ws")),
		Health: &api.HealthHandler{DB: db, Redis: rdb, Version: version, Started: time.Now()},

		JWT:       middleware.NewJWTAuth(tokenMgr, blacklist, users),
		Limits:    limits,
		HTTPStats: collector.HTTPStats(),
		Metrics:   collector.Handler(),

		Origin: cfg.FrontendOrigin,
		// Room for the largest permitted upload plus multipart framing; the
		// per-organization caps are enforced in the upload handler.
		MaxBodyBytes: cfg.MaxUploadBytes + (1 << 20),
		Logger:       log.WithComponent("http"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No ReadTimeout or WriteTimeout: uploads and range streams
		// legitimately outlive any fixed budget.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// In-flight jobs finish their current attempt before the process exits;
	// anything still queued is picked up on the next boot.
	proc.Drain()
	hub.Close()
	if bridge != nil {
		bridge.Stop()
	}

	logger.Info().Msg("stopped")
	return nil
}

func pingDB(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
