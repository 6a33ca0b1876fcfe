package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pcl-labs/mediaflow/internal/api"
	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/queue"
	"github.com/pcl-labs/mediaflow/internal/ratelimit"
	"github.com/pcl-labs/mediaflow/internal/store"
	"github.com/pcl-labs/mediaflow/internal/stream"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	transport, err := queue.New(cfg)
	if err != nil {
		log.Fatalf("queue transport: %v", err)
	}
	defer transport.Close()

	// Inline mode falls back on the worker poll loop when a send fails; the
	// broker modes have no such fallback, so their send failures are hard.
	requireDelivery := cfg.QueueMode != config.QueueModeInline
	producer := queue.NewProducer(transport, st, requireDelivery)

	var limiter *ratelimit.TokenBucket
	if cfg.QueueMode == config.QueueModeRedis || cfg.Production() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	registry := stream.NewRegistry()
	relay := stream.NewRelay(st, registry, cfg.StreamPollInterval, cfg.HeartbeatInterval)
	notifyRelay := stream.NewNotificationRelay(st, registry, cfg.StreamPollInterval, cfg.HeartbeatInterval)

	server := api.New(cfg, st, producer, relay, notifyRelay, limiter, api.NewDocumentSteps(st, cfg))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s (queue mode %s)", cfg.HTTPPort, cfg.QueueMode)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()

	if !registry.Shutdown(cfg.ShutdownGrace) {
		log.Printf("some streams did not exit within %s", cfg.ShutdownGrace)
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
