package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pcl-labs/mediaflow/internal/config"
	"github.com/pcl-labs/mediaflow/internal/models"
	"github.com/pcl-labs/mediaflow/internal/queue"
	"github.com/pcl-labs/mediaflow/internal/retention"
	"github.com/pcl-labs/mediaflow/internal/store"
	"github.com/pcl-labs/mediaflow/internal/telemetry"
	"github.com/pcl-labs/mediaflow/internal/worker"
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

	// Only the redis transport delivers messages to the worker; inline and
	// http modes rely on the poll loop over the job table.
	receiver, _ := transport.(queue.Receiver)

	consumer := worker.NewConsumer(cfg, st, st, receiver)

	mediaHandler, err := worker.NewMediaHandler(ctx, cfg)
	if err != nil {
		log.Fatalf("media handler: %v", err)
	}
	consumer.RegisterHandler(models.TypeOptimizeMedia, mediaHandler.Handle)
	consumer.RegisterHandler(models.TypeIngestTranscript, worker.NewTranscriptHandler(cfg, st).Handle)
	consumer.RegisterHandler(models.TypeGenerateContent,
		worker.NewGenerateHandler(cfg, worker.NewOutlineGenerator(), st).Handle)

	sweeper := retention.NewSweeper(st, cfg.EventRetention)
	if err := sweeper.Start(ctx, cfg.RetentionSchedule); err != nil {
		log.Fatalf("retention schedule: %v", err)
	}
	defer sweeper.Stop()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics listen: %v", err)
		}
	}()
	defer metricsServer.Close()

	log.Printf("worker running (queue mode %s)", cfg.QueueMode)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer: %v", err)
	}
}
