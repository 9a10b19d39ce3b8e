package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/config"
	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WorkerInfo 是 worker 在 etcd 中登记的信息。
type WorkerInfo struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	MaxJobs   int       `json:"max_jobs"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// WorkerRegistry 用带租约的 key 登记存活的 worker。
type WorkerRegistry struct {
	cli    *clientv3.Client
	prefix string
	logger *logger.Logger
}

// NewWorkerRegistry 连接 etcd。prefix 通常是队列前缀，例如 browser_agent。
func NewWorkerRegistry(cfg config.EtcdConfig, prefix string, log *logger.Logger) (*WorkerRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return &WorkerRegistry{cli: cli, prefix: prefix, logger: log}, nil
}

// WorkersPrefix 返回所有 worker key 的公共前缀。
func WorkersPrefix(prefix string) string {
	return "/" + strings.Trim(prefix, "/") + "/workers/"
}

// WorkerKey 返回某个 worker 的 key。
func WorkerKey(prefix, workerID string) string {
	return WorkersPrefix(prefix) + workerID
}

// Register 以 ttl 秒的租约登记 worker，并在后台续约。
// 返回的 stop 函数撤销租约，可以重复调用。
func (r *WorkerRegistry) Register(ctx context.Context, info WorkerInfo, ttl int64) (stop func(), err error) {
	value, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	lease, err := r.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant etcd lease: %w", err)
	}
	key := WorkerKey(r.prefix, info.ID)
	if _, err := r.cli.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", info.ID, err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keep etcd lease alive: %w", err)
	}

	go func() {
		for range keepAliveCh {
		}
		if keepCtx.Err() == nil {
			// Lease expired or was revoked.
			r.logger.WithPayload(map[string]interface{}{"worker_id": info.ID}).Warn("Worker registration lease lost")
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			revokeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := r.cli.Revoke(revokeCtx, lease.ID); err != nil {
				r.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to revoke worker lease")
			}
		})
	}, nil
}

// Discover 返回当前登记的所有 worker。
func (r *WorkerRegistry) Discover(ctx context.Context) ([]WorkerInfo, error) {
	resp, err := r.cli.Get(ctx, WorkersPrefix(r.prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discover workers: %w", err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeWorkers(values), nil
}

// decodeWorkers 跳过无法解析的值。
func decodeWorkers(values [][]byte) []WorkerInfo {
	workers := make([]WorkerInfo, 0, len(values))
	for _, v := range values {
		var w WorkerInfo
		if err := json.Unmarshal(v, &w); err != nil || w.ID == "" {
			continue
		}
		workers = append(workers, w)
	}
	return workers
}

// Close closes the etcd client.
func (r *WorkerRegistry) Close() error {
	return r.cli.Close()
}
