package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BrowserAgent/backend/go/internal/bootstrap"
	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/internal/database/kafka"
	"BrowserAgent/backend/go/internal/discovery/etcd"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/internal/task_worker/publisher"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Queue.Driver == "memory" {
		log.Fatalf("queue.driver=memory runs the worker inside dispatch_service; use redis for a standalone worker")
	}

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = "worker_" + uuid.New().String()[:8]
	}

	// Initialize logger
	logger.Init(logger.ParseLevel(cfg.Logger.Level))
	workerLogger := logger.New("TaskWorker", "", workerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := bootstrap.OpenStore(ctx, cfg, workerLogger)
	if err != nil {
		workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to open task store")
	}
	backend, err := bootstrap.OpenQueue(cfg, workerLogger)
	if err != nil {
		workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to open task queue")
	}

	// 事件发布是可选的，没有 Kafka 时任务照常执行
	var events publisher.Publisher = publisher.Discard{}
	var eventPublisher *publisher.EventPublisher
	if len(cfg.Databases.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopics(&cfg.Databases.Kafka, cfg.Databases.Kafka.EventsTopic); err != nil {
			workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to ensure Kafka topics")
		}
		eventPublisher = publisher.NewEventPublisher(kafka.NewWriter(&cfg.Databases.Kafka, cfg.Databases.Kafka.EventsTopic), cfg.Databases.Kafka.EventsTopic, workerLogger)
		events = eventPublisher
	} else {
		workerLogger.Warn("No Kafka brokers configured, task events will not reach subscribers")
	}

	runner, err := bootstrap.NewRunner(cfg, stores, events, workerLogger)
	if err != nil {
		workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create task runner")
	}

	// 登记到 etcd，API 的 /healthz 据此列出在线 worker
	stopRegistration := func() {}
	if len(cfg.Databases.Etcd.Endpoints) > 0 {
		registry, err := etcd.NewWorkerRegistry(cfg.Databases.Etcd, cfg.Queue.Prefix, workerLogger)
		if err != nil {
			workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Worker registration disabled")
		} else {
			defer registry.Close()
			hostname, _ := os.Hostname()
			stop, err := registry.Register(ctx, etcd.WorkerInfo{
				ID:        workerID,
				Hostname:  hostname,
				MaxJobs:   cfg.Worker.MaxJobs,
				Queue:     cfg.Queue.Prefix,
				StartedAt: time.Now().UTC(),
			}, cfg.Worker.RegisterTTL)
			if err != nil {
				workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to register worker")
			} else {
				stopRegistration = stop
			}
		}
	}

	pool := queue.NewPool(backend, bootstrap.PoolOptions(cfg, workerID), workerLogger)
	pool.Register(cfg.Queue.JobName, runner.Handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(ctx); err != nil {
			workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Worker pool stopped with error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	workerLogger.Info("Shutting down worker, waiting for running jobs...")

	stopRegistration()
	cancel()
	select {
	case <-done:
	case <-time.After(config.Duration(cfg.Worker.JobTimeout)):
		workerLogger.Warn("Timed out waiting for running jobs")
	}

	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			workerLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka publisher")
		}
	}
	bootstrap.Close(workerLogger, stores)

	workerLogger.Info("Worker gracefully stopped")
}
