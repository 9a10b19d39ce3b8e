// Package bootstrap 根据配置创建两个进程共用的依赖：任务存储、队列与 worker 运行器。
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"BrowserAgent/backend/go/internal/artifacts"
	"BrowserAgent/backend/go/internal/automation"
	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/internal/database/minio"
	"BrowserAgent/backend/go/internal/database/mongo"
	"BrowserAgent/backend/go/internal/database/redis"
	"BrowserAgent/backend/go/internal/database/sqldb"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/internal/queue"
	"BrowserAgent/backend/go/internal/store"
	"BrowserAgent/backend/go/internal/task_worker/publisher"
	"BrowserAgent/backend/go/internal/task_worker/service"
	httpclient "BrowserAgent/backend/go/pkg/http"
	"BrowserAgent/backend/go/pkg/logger"
)

// Backend 是一个队列实现同时提供的生产端、消费端与健康检查。
type Backend interface {
	queue.Queue
	queue.Source
	HealthCheck(ctx context.Context) error
}

// OpenStore 按 databases.taskStore.driver 连接任务存储并完成迁移。
func OpenStore(ctx context.Context, cfg *config.AppConfig, log *logger.Logger) (store.Provider, error) {
	switch cfg.Databases.TaskStore.Driver {
	case "mysql", "sqlite":
		db, err := sqldb.GetDB(&cfg.Databases)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate task store: %w", err)
		}
		return store.NewGormProvider(db, log), nil
	case "mongodb":
		client, err := mongo.GetClient(&cfg.Databases.MongoDB)
		if err != nil {
			return nil, err
		}
		p := store.NewMongoProvider(client, cfg.Databases.MongoDB.Database, log)
		if err := p.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure mongodb indexes: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported task store driver %q", cfg.Databases.TaskStore.Driver)
	}
}

// OpenQueue 按 queue.driver 创建队列。memory 队列只在单进程模式下有意义。
func OpenQueue(cfg *config.AppConfig, log *logger.Logger) (Backend, error) {
	switch cfg.Queue.Driver {
	case "redis":
		rdb, err := redis.GetClient(&cfg.Databases.Redis)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(rdb, cfg.Queue.Prefix, config.Duration(cfg.Worker.KeepResult),
			queue.WithLeaseTTL(config.Duration(cfg.Worker.LeaseTTL)),
			queue.WithMaxTries(cfg.Worker.MaxTries),
			queue.WithLogger(log),
		), nil
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
}

// NewRunner 组装 worker 运行器：HTTP 自动化客户端、凭据轮换与可选的 MinIO 转储。
func NewRunner(cfg *config.AppConfig, stores store.Provider, events publisher.Publisher, log *logger.Logger) (*service.Runner, error) {
	client, err := httpclient.NewClient(cfg.Middleware.CircuitBreaker, config.Duration(cfg.Automation.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("create automation client: %w", err)
	}
	rotation := automation.NewRotationPolicy(cfg.Automation.APIKeys)
	if rotation.Len() == 0 {
		log.Warn("No automation API keys configured, runs will be unauthenticated")
	}
	runner := automation.NewHTTPRunner(cfg.Automation.BaseURL, client, rotation)

	var offloader *artifacts.Offloader
	if cfg.Artifacts.Enabled {
		mc, err := minio.GetClient(&cfg.Databases.MinIO)
		if err != nil {
			return nil, err
		}
		offloader = artifacts.NewOffloader(artifacts.MinioWriter{Client: mc}, cfg.Databases.MinIO.Bucket, cfg.Artifacts.InlineLimitBytes)
	}

	return service.NewRunner(stores, runner, offloader, events, service.Options{
		MaxSteps:       cfg.Worker.MaxSteps,
		CleanupTimeout: config.Duration(cfg.Worker.CleanupTimeout),
	}, log), nil
}

// PoolOptions 把 worker 配置转换为 queue.PoolOptions。
func PoolOptions(cfg *config.AppConfig, workerID string) queue.PoolOptions {
	return queue.PoolOptions{
		WorkerID:          workerID,
		MaxJobs:           cfg.Worker.MaxJobs,
		JobTimeout:        config.Duration(cfg.Worker.JobTimeout),
		AbortPollInterval: config.Duration(cfg.Worker.AbortPollInterval),
		MaxTries:          cfg.Worker.MaxTries,
		PollTimeout:       2 * time.Second,
		// 每个租约周期续期三次
		LeaseRefreshInterval: config.Duration(cfg.Worker.LeaseTTL) / 3,
	}
}

// Close 关闭所有单例连接，错误只记录。
func Close(log *logger.Logger, stores store.Provider) {
	if stores != nil {
		if err := stores.Close(); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing task store")
		}
	}
	if err := redis.Close(); err != nil {
		log.WithError(models.ErrorInfo{Message: err.Error()}).Error("Error closing Redis connection")
	}
}
