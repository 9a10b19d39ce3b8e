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
	"BrowserAgent/backend/go/internal/database/minio"
	"BrowserAgent/backend/go/internal/discovery/etcd"
	"BrowserAgent/backend/go/internal/dispatch_service/api"
	"BrowserAgent/backend/go/internal/dispatch_service/consumer"
	"BrowserAgent/backend/go/internal/dispatch_service/service"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	httpserver "BrowserAgent/backend/go/pkg/http"
	"BrowserAgent/backend/go/pkg/httpmiddleware"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Init(logger.ParseLevel(cfg.Logger.Level))
	serviceLogger := logger.New("DispatchService", "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := bootstrap.OpenStore(ctx, cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to open task store")
	}
	serviceLogger.WithPayload(map[string]interface{}{"driver": cfg.Databases.TaskStore.Driver}).Info("Task store ready")

	backend, err := bootstrap.OpenQueue(cfg, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to open task queue")
	}

	// 队列调用经过熔断器，队列持续不可用时提交与取消快速失败
	var taskQueue queue.Queue = backend
	if cb := cfg.Middleware.CircuitBreaker; cb.Enabled {
		taskQueue = queue.NewGuarded(backend, cb.FailureThreshold, cb.SuccessThreshold, config.Duration(cb.Timeout), serviceLogger)
	}

	bus := service.NewEventBus(serviceLogger)
	taskService := service.NewTaskService(stores.Shared(), taskQueue, bus, service.Options{
		JobName:       cfg.Queue.JobName,
		CancelTimeout: config.Duration(cfg.Queue.CancelTimeout),
	}, serviceLogger)

	var background []<-chan struct{}

	// 跨进程事件：worker 写 Kafka，这里读出后推送给 WebSocket 订阅者
	var eventConsumer *consumer.EventConsumer
	if len(cfg.Databases.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopics(&cfg.Databases.Kafka, cfg.Databases.Kafka.EventsTopic); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to ensure Kafka topics")
		}
		eventConsumer = consumer.NewEventConsumer(kafka.NewReader(&cfg.Databases.Kafka, cfg.Databases.Kafka.EventsTopic), bus, serviceLogger)
		background = append(background, eventConsumer.Start(ctx))
		serviceLogger.Info("Kafka event consumer started")
	}

	// memory 队列时在进程内运行 worker 池，事件直接进入 EventBus
	if cfg.Queue.Driver == "memory" {
		runner, err := bootstrap.NewRunner(cfg, stores, bus, serviceLogger.WithPayload(map[string]interface{}{"component": "embedded_worker"}))
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Failed to create embedded worker")
		}
		pool := queue.NewPool(backend, bootstrap.PoolOptions(cfg, "embedded"), serviceLogger)
		pool.Register(cfg.Queue.JobName, runner.Handle)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pool.Run(ctx)
		}()
		background = append(background, done)
		serviceLogger.Warn("Running with in-memory queue and embedded worker pool")
	}

	opts := []api.Option{
		api.WithHealthCheck("store", stores),
		api.WithHealthCheck("queue", backend),
	}
	if len(cfg.Databases.Kafka.Brokers) > 0 {
		opts = append(opts, api.WithHealthCheck("events", api.HealthCheckFunc(func(ctx context.Context) error {
			return kafka.HealthCheck(ctx, &cfg.Databases.Kafka)
		})))
	}
	if cfg.Queue.Driver == "memory" && cfg.Artifacts.Enabled {
		opts = append(opts, api.WithHealthCheck("artifacts", api.HealthCheckFunc(minio.HealthCheck)))
	}
	if len(cfg.Databases.Etcd.Endpoints) > 0 {
		registry, err := etcd.NewWorkerRegistry(cfg.Databases.Etcd, cfg.Queue.Prefix, serviceLogger)
		if err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Worker discovery disabled")
		} else {
			defer registry.Close()
			opts = append(opts, api.WithWorkers(registry))
		}
	}

	guards, err := httpserver.Guards(cfg.Middleware, serviceLogger)
	if err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("Invalid middleware configuration")
	}

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httpmiddleware.RequestLogger(serviceLogger))
	apiHandler := api.NewAPI(taskService, bus, serviceLogger, opts...)
	api.RegisterRoutes(router, apiHandler, guards...)

	srv := httpserver.NewServer(router, serviceLogger, httpserver.WithAddress(cfg.Dispatch.ServerAddress))

	// Start server
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Duration(cfg.Dispatch.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Server forced to shutdown")
	}

	cancel()
	for _, done := range background {
		select {
		case <-done:
		case <-time.After(config.Duration(cfg.Worker.JobTimeout)):
			serviceLogger.Warn("Timed out waiting for background workers")
		}
	}
	if eventConsumer != nil {
		if err := eventConsumer.Close(); err != nil {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Kafka consumer")
		}
	}
	bootstrap.Close(serviceLogger, stores)

	serviceLogger.Info("Server gracefully stopped")
}
