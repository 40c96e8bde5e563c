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

	"geospatial-work-scheduler/internal/config"
	"geospatial-work-scheduler/internal/logging"
	"geospatial-work-scheduler/internal/poller"
	"geospatial-work-scheduler/internal/queue"
	"geospatial-work-scheduler/internal/ratelimit"
	"geospatial-work-scheduler/internal/scheduler"
	"geospatial-work-scheduler/internal/store"
	"geospatial-work-scheduler/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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

	qs := queue.NewQueues(cfg)
	throttleClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(throttleClient, cfg.RequestRateCapacity, cfg.RequestRateRefill, time.Hour)

	p := poller.New(st, logger)
	sched := scheduler.New(qs, p, limiter, cfg.SchedulerBatchSize, cfg.MaxGranules, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("scheduler started", "batchSize", cfg.SchedulerBatchSize, "queue", cfg.SchedulerQueueName)
	if err := sched.Run(ctx, cfg.LongPollWait); err != nil {
		logger.Info("scheduler stopped", "reason", err)
	}
}
