package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"BrowserAgent/backend/go/internal/models"
	"BrowserAgent/backend/go/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// 入队：只有不存在在途 job 时才写入。返回 1 表示已入队，0 表示已存在。
var enqueueScript = redis.NewScript(`
local st = redis.call('GET', KEYS[2])
if st == 'queued' or st == 'running' then
  return 0
end
redis.call('DEL', KEYS[1], KEYS[4])
redis.call('HSET', KEYS[1], 'name', ARGV[2], 'args', ARGV[3], 'tries', 0, 'enqueued_at', ARGV[4])
redis.call('SET', KEYS[2], 'queued')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// 领取：被中止的 job 直接结束，不交给 worker。
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  redis.call('SET', KEYS[2], 'finished', 'EX', ARGV[3])
  return {'aborted'}
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'missing'}
end
local tries = redis.call('HINCRBY', KEYS[1], 'tries', 1)
redis.call('SET', KEYS[2], 'running')
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('SET', KEYS[5], ARGV[2], 'EX', ARGV[4])
local f = redis.call('HMGET', KEYS[1], 'name', 'args', 'enqueued_at')
return {'ok', f[1], f[2], tostring(tries), f[3]}
`)

// 结束：只有仍持有领取记录的 worker 才能结束 job。返回 0 表示领取已被收回。
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
if ARGV[3] == '1' then
  redis.call('SET', KEYS[3], 'queued')
  redis.call('RPUSH', KEYS[4], ARGV[1])
else
  redis.call('SET', KEYS[3], 'finished', 'EX', ARGV[4])
  redis.call('EXPIRE', KEYS[5], ARGV[4])
end
return 1
`)

// 回收：租约过期的领取视为 worker 丢失。未中止且次数未用完时重新入队，否则结束。
var reapScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 or redis.call('EXISTS', KEYS[2]) == 1 then
  return 'alive'
end
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 0 and redis.call('EXISTS', KEYS[4]) == 1 then
  local tries = tonumber(redis.call('HGET', KEYS[4], 'tries') or '0')
  if tries < tonumber(ARGV[2]) then
    redis.call('SET', KEYS[5], 'queued')
    redis.call('RPUSH', KEYS[6], ARGV[1])
    return 'requeued'
  end
end
redis.call('SET', KEYS[5], 'finished', 'EX', ARGV[3])
redis.call('EXPIRE', KEYS[4], ARGV[3])
return 'dropped'
`)

// 中止：排队中的 job 从列表移除并立即结束。返回 job 此前的状态。
var abortScript = redis.NewScript(`
redis.call('SET', KEYS[3], '1', 'EX', ARGV[2])
local st = redis.call('GET', KEYS[2])
if st == 'queued' then
  redis.call('LREM', KEYS[1], 0, ARGV[1])
  redis.call('SET', KEYS[2], 'finished', 'EX', ARGV[2])
end
return st or 'missing'
`)

// Keys 生成某个前缀下的 Redis 键。
type Keys struct {
	Prefix string
}

func (k Keys) Job(id string) string    { return k.Prefix + ":job:" + id }
func (k Keys) Status(id string) string { return k.Prefix + ":status:" + id }
func (k Keys) Abort(id string) string  { return k.Prefix + ":abort:" + id }
func (k Keys) Lease(id string) string  { return k.Prefix + ":lease:" + id }
func (k Keys) Ready() string           { return k.Prefix + ":queue" }
func (k Keys) InProgress() string      { return k.Prefix + ":in-progress" }

// RedisQueue 同时实现 Queue 和 Source。
// 领取 job 时写入带 TTL 的租约，执行期间由 Pool 续期；
// 租约过期的领取会在之后的 Dequeue 中被回收。
type RedisQueue struct {
	rdb        *redis.Client
	keys       Keys
	keepResult time.Duration
	pollEvery  time.Duration
	leaseTTL   time.Duration
	maxTries   int
	logger     *logger.Logger

	mu       sync.Mutex
	lastReap time.Time
}

// RedisOption 配置 RedisQueue。
type RedisOption func(*RedisQueue)

// WithLeaseTTL 设置领取租约的有效期。
func WithLeaseTTL(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// WithMaxTries 设置回收时允许重新投递的总次数。
func WithMaxTries(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxTries = n
		}
	}
}

// WithLogger 设置记录回收结果的 logger。
func WithLogger(log *logger.Logger) RedisOption {
	return func(q *RedisQueue) {
		if log != nil {
			q.logger = log
		}
	}
}

// NewRedisQueue 创建队列；keepResult 决定结束状态与中止标记的保留时间。
func NewRedisQueue(rdb *redis.Client, prefix string, keepResult time.Duration, opts ...RedisOption) *RedisQueue {
	if keepResult <= 0 {
		keepResult = 24 * time.Hour
	}
	q := &RedisQueue{
		rdb:        rdb,
		keys:       Keys{Prefix: prefix},
		keepResult: keepResult,
		pollEvery:  100 * time.Millisecond,
		leaseTTL:   time.Minute,
		maxTries:   1,
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobName, jobID string, args interface{}) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return fmt.Errorf("marshal job args: %w", err)
	}
	keys := []string{q.keys.Job(jobID), q.keys.Status(jobID), q.keys.Ready(), q.keys.Abort(jobID)}
	n, err := enqueueScript.Run(ctx, q.rdb, keys, jobID, jobName, string(raw), time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrJobExists
	}
	return nil
}

func (q *RedisQueue) JobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	st, err := q.rdb.Get(ctx, q.keys.Status(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return models.JobStatusMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("job status %s: %w", jobID, err)
	}
	return ParseJobStatus(st), nil
}

func (q *RedisQueue) RequestAbort(ctx context.Context, jobID string, timeout time.Duration) (bool, error) {
	keys := []string{q.keys.Ready(), q.keys.Status(jobID), q.keys.Abort(jobID)}
	prev, err := abortScript.Run(ctx, q.rdb, keys, jobID, int(q.keepResult.Seconds())).Text()
	if err != nil {
		return false, fmt.Errorf("abort job %s: %w", jobID, err)
	}
	switch ParseJobStatus(prev) {
	case models.JobStatusQueued, models.JobStatusFinished:
		return true, nil
	case models.JobStatusMissing:
		return false, nil
	}
	return waitFinished(ctx, q, jobID, timeout, q.pollEvery)
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*Job, error) {
	if q.reapDue() {
		if _, err := q.Reap(ctx); err != nil {
			q.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to reap expired job claims")
		}
	}

	res, err := q.rdb.BLPop(ctx, timeout, q.keys.Ready()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	// BLPOP 返回 [key, value]
	id := res[1]

	keys := []string{q.keys.Job(id), q.keys.Status(id), q.keys.InProgress(), q.keys.Abort(id), q.keys.Lease(id)}
	reply, err := claimScript.Run(ctx, q.rdb, keys, id, workerID, int(q.keepResult.Seconds()), leaseSeconds(q.leaseTTL)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	job, err := parseClaim(id, reply)
	if job != nil {
		job.Worker = workerID
	}
	return job, err
}

// reapDue 限制回收频率为每半个租约周期一次。
func (q *RedisQueue) reapDue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if time.Since(q.lastReap) < q.leaseTTL/2 {
		return false
	}
	q.lastReap = time.Now()
	return true
}

// Reap 回收租约已过期的领取，返回重新入队的 job 数。
// 多个 worker 同时回收是安全的，每个领取只会被处理一次。
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	ids, err := q.rdb.HKeys(ctx, q.keys.InProgress()).Result()
	if err != nil {
		return 0, fmt.Errorf("list in-progress jobs: %w", err)
	}
	requeued := 0
	for _, id := range ids {
		keys := []string{q.keys.InProgress(), q.keys.Lease(id), q.keys.Abort(id), q.keys.Job(id), q.keys.Status(id), q.keys.Ready()}
		outcome, err := reapScript.Run(ctx, q.rdb, keys, id, q.maxTries, int(q.keepResult.Seconds())).Text()
		if err != nil {
			return requeued, fmt.Errorf("reap job %s: %w", id, err)
		}
		switch outcome {
		case "requeued":
			requeued++
			q.logger.WithTask(id).Warn("Job lease expired, requeued for another worker")
		case "dropped":
			q.logger.WithTask(id).Warn("Job lease expired with no tries left, job finished")
		}
	}
	return requeued, nil
}

// ExtendLease 续期 job 的租约。租约已过期(可能已被回收)时返回 false。
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string) (bool, error) {
	ok, err := q.rdb.Expire(ctx, q.keys.Lease(jobID), q.leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("extend lease of job %s: %w", jobID, err)
	}
	return ok, nil
}

func (q *RedisQueue) Finish(ctx context.Context, job *Job, retry bool) error {
	keys := []string{q.keys.InProgress(), q.keys.Lease(job.ID), q.keys.Status(job.ID), q.keys.Ready(), q.keys.Job(job.ID)}
	flag := "0"
	if retry {
		flag = "1"
	}
	n, err := finishScript.Run(ctx, q.rdb, keys, job.ID, job.Worker, flag, int(q.keepResult.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) AbortRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.keys.Abort(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check abort of job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// HealthCheck pings Redis.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func leaseSeconds(d time.Duration) int {
	if n := int(d.Seconds()); n > 0 {
		return n
	}
	return 1
}

// ParseJobStatus 将 Redis 中的字符串映射为 JobStatus。
func ParseJobStatus(raw string) models.JobStatus {
	switch models.JobStatus(raw) {
	case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusFinished:
		return models.JobStatus(raw)
	}
	return models.JobStatusMissing
}

// parseClaim 解析 claimScript 的返回值；aborted 或 missing 时返回 nil。
func parseClaim(id string, reply []string) (*Job, error) {
	if len(reply) == 0 {
		return nil, fmt.Errorf("claim job %s: empty reply", id)
	}
	switch reply[0] {
	case "aborted", "missing":
		return nil, nil
	case "ok":
	default:
		return nil, fmt.Errorf("claim job %s: unexpected reply %q", id, reply[0])
	}
	if len(reply) != 5 {
		return nil, fmt.Errorf("claim job %s: malformed reply of length %d", id, len(reply))
	}
	tries, err := strconv.Atoi(reply[3])
	if err != nil {
		return nil, fmt.Errorf("claim job %s: bad tries %q", id, reply[3])
	}
	job := &Job{ID: id, Name: reply[1], Args: []byte(reply[2]), Tries: tries}
	if ts, err := time.Parse(time.RFC3339Nano, reply[4]); err == nil {
		job.EnqueuedAt = ts
	}
	return job, nil
}

// waitFinished 轮询 job 状态直到 finished 或超时。
func waitFinished(ctx context.Context, q Queue, jobID string, timeout, every time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := q.JobStatus(ctx, jobID)
		if err != nil {
			return false, err
		}
		if st == models.JobStatusFinished || st == models.JobStatusMissing {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}
