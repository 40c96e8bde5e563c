package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"geospatial-work-scheduler/internal/config"
	"geospatial-work-scheduler/internal/executor"
	"geospatial-work-scheduler/internal/logging"
	"geospatial-work-scheduler/internal/objectstore"
	"geospatial-work-scheduler/internal/queue"
	"geospatial-work-scheduler/internal/store"
	"geospatial-work-scheduler/internal/telemetry"
	workerproc "geospatial-work-scheduler/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.ServiceID == "" {
		log.Fatal("SERVICE_ID must be set to the worker image this process serves")
	}

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

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}

	qs := queue.NewQueues(cfg)
	exec := executor.New(nil, objects, cfg.WorkDir, cfg.LogPrefix, cfg.WorkItemTimeout, logger)
	w := workerproc.New(cfg, qs, st, exec, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started", "serviceID", cfg.ServiceID, "timeout", cfg.WorkItemTimeout)
	if err := w.Run(ctx); err != nil {
		logger.Info("worker stopped", "reason", err)
	}
}
