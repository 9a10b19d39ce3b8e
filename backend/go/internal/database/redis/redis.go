package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/go-redis/redis/v8"
)

var (
	client  *redis.Client
	once    sync.Once
	initErr error
)

// Options 将配置转换为 go-redis 选项。
// ReadTimeout 需要大于 worker 阻塞弹出的超时时间。
func Options(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		ReadTimeout: 5 * time.Second,
	}
}

// GetClient 使用单例模式初始化并返回一个 Redis 客户端实例。
func GetClient(cfg *config.RedisConfig) (*redis.Client, error) {
	once.Do(func() {
		rdb := redis.NewClient(Options(cfg))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			initErr = fmt.Errorf("无法连接到 Redis: %w", err)
			return
		}

		logger.New("database", "", "").WithPayload(map[string]interface{}{"address": cfg.Address}).Info("Redis connected")
		client = rdb
	})

	return client, initErr
}

// Close 安全地关闭单例的 Redis 连接。
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}
