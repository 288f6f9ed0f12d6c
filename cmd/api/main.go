package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/softframe/internal/api"
	"github.com/dunamismax/softframe/internal/config"
	"github.com/dunamismax/softframe/internal/pipeline"
	"github.com/dunamismax/softframe/internal/queue"
	"github.com/dunamismax/softframe/internal/ratelimit"
	"github.com/dunamismax/softframe/internal/storage"
	"github.com/dunamismax/softframe/internal/store"
	"github.com/dunamismax/softframe/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "softframe-api", cfg.Tracing, nil, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatalf("image runtime startup failed: %v", err)
	}
	defer pipeline.Shutdown()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		Region:   cfg.Storage.Region,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatalf("storage client init failed: %v", err)
	}

	var jobStore store.JobStore
	if cfg.API.UseMemoryJobStore {
		logger.Println("using in-memory job store")
		jobStore = store.NewMemoryJobStore()
	} else {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatalf("postgres job store init failed: %v", err)
		}
		defer func() {
			if err := pgStore.Close(); err != nil {
				logger.Printf("postgres close error: %v", err)
			}
		}()
		jobStore = pgStore
	}

	renderer, err := pipeline.NewLocalProcessor(cfg.Worker.LocalOutputDir, pipeline.WithMaxSourcePixels(cfg.API.MaxRenderPixels))
	if err != nil {
		logger.Fatalf("renderer init failed: %v", err)
	}

	opts := api.Options{
		PresignTTL:            cfg.Storage.PresignTTL,
		OutputPrefix:          cfg.Storage.OutputPrefix,
		FrameDefaults:         &cfg.Frame,
		MaxRenderBytes:        cfg.API.MaxRenderBytes,
		Renderer:              renderer,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("softframe/api"),
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("rate limit redis close error: %v", err)
			}
		}()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.KeyPrefix)
		if err != nil {
			logger.Fatalf("rate limiter init failed: %v", err)
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, queueClient, jobStore, storageClient, opts)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
