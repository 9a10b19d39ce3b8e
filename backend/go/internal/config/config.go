package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 是指定配置文件路径的环境变量。
const EnvConfigPath = "BROWSER_AGENT_CONFIG"

// DefaultConfigPath 在既没有 -config 参数也没有环境变量时使用。
const DefaultConfigPath = "config.yaml"

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// SQLiteConfig 定义了本地开发使用的 SQLite 文件。
type SQLiteConfig struct {
	Path string `yaml:"path"` // 数据库文件路径
}

// MinIOConfig 定义了 MinIO 对象存储的连接配置。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`  // MinIO 服务端点
	AccessKey string `yaml:"accessKey"` // 访问密钥
	SecretKey string `yaml:"secretKey"` // Secret 密钥
	Bucket    string `yaml:"bucket"`    // 默认存储桶名称
	Secure    bool   `yaml:"secure"`    // 是否使用HTTPS
}

// MongoConfig 定义了 MongoDB 数据库的连接配置。
type MongoConfig struct {
	Address  string `yaml:"address"`  // MongoDB 服务器地址
	Username string `yaml:"username"` // 用户名
	Password string `yaml:"password"` // 密码
	Database string `yaml:"database"` // 数据库名称
}

// EtcdConfig 定义了 Etcd 服务发现的连接配置。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // Etcd 节点地址列表
	Username  string   `yaml:"username"`  // 用户名
	Password  string   `yaml:"password"`  // 密码
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`     // Kafka Broker 地址列表
	EventsTopic string   `yaml:"eventsTopic"` // worker 向 API 转发任务事件的主题
	GroupID     string   `yaml:"groupID"`     // API 侧消费者组
}

// TaskStoreConfig 选择任务存储的驱动。
type TaskStoreConfig struct {
	Driver string `yaml:"driver"` // "mysql", "sqlite" 或 "mongodb"
}

// DatabaseConfigs 包含所有数据库的配置。
type DatabaseConfigs struct {
	TaskStore TaskStoreConfig `yaml:"taskStore"` // 任务存储驱动
	Redis     RedisConfig     `yaml:"redis"`     // Redis 数据库配置
	MySQL     MySQLConfig     `yaml:"mysql"`     // MySQL 数据库配置
	SQLite    SQLiteConfig    `yaml:"sqlite"`    // SQLite 数据库配置
	MinIO     MinIOConfig     `yaml:"minio"`     // MinIO 对象存储配置
	MongoDB   MongoConfig     `yaml:"mongodb"`   // MongoDB 数据库配置
	Etcd      EtcdConfig      `yaml:"etcd"`      // Etcd 服务发现配置
	Kafka     KafkaConfig     `yaml:"kafka"`     // Kafka 消息队列配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// DispatchConfig 是 API 进程的配置。
type DispatchConfig struct {
	ServerAddress   string `yaml:"serverAddress"`   // HTTP 监听地址
	ShutdownTimeout string `yaml:"shutdownTimeout"` // 优雅关闭的等待时间
}

// QueueConfig 定义了任务队列。
type QueueConfig struct {
	Driver        string `yaml:"driver"`        // "redis" 或 "memory"
	Prefix        string `yaml:"prefix"`        // Redis 键前缀
	JobName       string `yaml:"jobName"`       // worker 注册的 job 名称
	CancelTimeout string `yaml:"cancelTimeout"` // 取消时等待 worker 确认中止的时间
}

// WorkerConfig 是 worker 进程的配置。
type WorkerConfig struct {
	ID                string `yaml:"id"`                // 为空时自动生成
	MaxJobs           int    `yaml:"maxJobs"`           // 并发执行的 job 数
	JobTimeout        string `yaml:"jobTimeout"`        // 单个 job 的最长执行时间
	KeepResult        string `yaml:"keepResult"`        // 队列中保留 job 结束状态的时间
	LeaseTTL          string `yaml:"leaseTTL"`          // 领取租约的有效期，worker 失联超过该时间后 job 被回收
	MaxTries          int    `yaml:"maxTries"`          // 同一个 job 最多投递次数
	MaxSteps          int    `yaml:"maxSteps"`          // 自动化能力的默认步数上限
	AbortPollInterval string `yaml:"abortPollInterval"` // 轮询中止标记的间隔
	CleanupTimeout    string `yaml:"cleanupTimeout"`    // 清理浏览器会话的超时
	RegisterTTL       int64  `yaml:"registerTTL"`       // etcd 租约 TTL (秒)
}

// AutomationConfig 定义了外部浏览器自动化服务。
type AutomationConfig struct {
	BaseURL         string   `yaml:"baseURL"`         // 自动化服务地址
	APIKeys         []string `yaml:"apiKeys"`         // 按顺序轮换的凭据
	APIKeyEnvPrefix string   `yaml:"apiKeyEnvPrefix"` // 额外从 PREFIX_1, PREFIX_2 ... 读取凭据
	RequestTimeout  string   `yaml:"requestTimeout"`  // 单次运行的 HTTP 超时
}

// ArtifactsConfig 定义了大结果的对象存储转储。
type ArtifactsConfig struct {
	Enabled          bool `yaml:"enabled"`
	InlineLimitBytes int  `yaml:"inlineLimitBytes"` // 超过此大小的结果写入 MinIO
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了提交接口的限流器。
type RateLimiterConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Algorithm string  `yaml:"algorithm"` // 支持: "tokenBucket", "fixedWindow", "slidingLog"
	PerClient bool    `yaml:"perClient"` // 按客户端 IP 分别限流
	Rate      float64 `yaml:"rate"`      // 令牌桶每秒速率
	Capacity  int     `yaml:"capacity"`  // 令牌桶容量
	Limit     int     `yaml:"limit"`     // 窗口算法的请求上限
	Window    string  `yaml:"window"`    // 例如: "1m", "30s"
}

// CircuitBreakerConfig 定义了队列调用的熔断器。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App        AppInfo          `yaml:"app"`        // 应用程序信息
	Logger     LoggerConfig     `yaml:"logger"`     // 日志记录器配置
	Databases  DatabaseConfigs  `yaml:"databases"`  // 数据库配置
	Dispatch   DispatchConfig   `yaml:"dispatch"`   // API 进程配置
	Queue      QueueConfig      `yaml:"queue"`      // 队列配置
	Worker     WorkerConfig     `yaml:"worker"`     // worker 配置
	Automation AutomationConfig `yaml:"automation"` // 自动化服务配置
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`  // 结果转储配置
	Middleware MiddlewareConfig `yaml:"middleware"` // 中间件配置
}

// ResolvePath 返回配置文件路径：优先命令行参数，其次环境变量。
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultConfigPath
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件，填充默认值并校验。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	return Parse(yamlFile)
}

// Parse 解析 YAML 内容。
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.applyDefaults()
	cfg.Automation.APIKeys = append(cfg.Automation.APIKeys, keysFromEnv(cfg.Automation.APIKeyEnvPrefix)...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	setString(&c.App.Name, "browser-agent")
	setString(&c.Logger.Level, "info")
	setString(&c.Databases.TaskStore.Driver, "sqlite")
	setString(&c.Databases.SQLite.Path, "browser_agent.db")
	setString(&c.Databases.MongoDB.Database, "browser_agent")
	setString(&c.Databases.MinIO.Bucket, "task-artifacts")
	setString(&c.Databases.Kafka.EventsTopic, "task_events")
	setString(&c.Databases.Kafka.GroupID, "dispatch_service")
	setInt(&c.Databases.MySQL.MaxOpenConns, 20)
	setInt(&c.Databases.MySQL.MaxIdleConns, 10)
	setInt(&c.Databases.MySQL.ConnMaxLifetime, 3600)

	setString(&c.Dispatch.ServerAddress, ":8000")
	setString(&c.Dispatch.ShutdownTimeout, "5s")

	setString(&c.Queue.Driver, "redis")
	setString(&c.Queue.Prefix, "browser_agent")
	setString(&c.Queue.JobName, "run_task")
	setString(&c.Queue.CancelTimeout, "5s")

	setInt(&c.Worker.MaxJobs, 5)
	setString(&c.Worker.JobTimeout, "30m")
	setString(&c.Worker.KeepResult, "168h")
	setString(&c.Worker.LeaseTTL, "60s")
	setInt(&c.Worker.MaxTries, 3)
	setInt(&c.Worker.MaxSteps, 50)
	setString(&c.Worker.AbortPollInterval, "500ms")
	setString(&c.Worker.CleanupTimeout, "30s")
	if c.Worker.RegisterTTL == 0 {
		c.Worker.RegisterTTL = 10
	}

	setString(&c.Automation.RequestTimeout, "30m")
	setInt(&c.Artifacts.InlineLimitBytes, 256*1024)

	rl := &c.Middleware.RateLimiter
	setString(&rl.Algorithm, "tokenBucket")
	if rl.Rate == 0 {
		rl.Rate = 5
	}
	setInt(&rl.Capacity, 10)
	setInt(&rl.Limit, 60)
	setString(&rl.Window, "1m")

	cb := &c.Middleware.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 1
	}
	setString(&cb.Timeout, "30s")
}

// Validate 检查驱动名称与时间配置。
func (c *AppConfig) Validate() error {
	var problems []string
	switch c.Databases.TaskStore.Driver {
	case "mysql", "sqlite", "mongodb":
	default:
		problems = append(problems, fmt.Sprintf("databases.taskStore.driver %q is not one of mysql, sqlite, mongodb", c.Databases.TaskStore.Driver))
	}
	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("queue.driver %q is not one of redis, memory", c.Queue.Driver))
	}
	durations := map[string]string{
		"dispatch.shutdownTimeout":          c.Dispatch.ShutdownTimeout,
		"queue.cancelTimeout":               c.Queue.CancelTimeout,
		"worker.jobTimeout":                 c.Worker.JobTimeout,
		"worker.keepResult":                 c.Worker.KeepResult,
		"worker.leaseTTL":                   c.Worker.LeaseTTL,
		"worker.abortPollInterval":          c.Worker.AbortPollInterval,
		"worker.cleanupTimeout":             c.Worker.CleanupTimeout,
		"automation.requestTimeout":         c.Automation.RequestTimeout,
		"middleware.rateLimiter.window":     c.Middleware.RateLimiter.Window,
		"middleware.circuitBreaker.timeout": c.Middleware.CircuitBreaker.Timeout,
	}
	for key, raw := range durations {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s %q is not a positive duration", key, raw))
		}
	}
	if c.Worker.MaxJobs < 1 {
		problems = append(problems, "worker.maxJobs must be >= 1")
	}
	if c.Worker.MaxSteps < 1 {
		problems = append(problems, "worker.maxSteps must be >= 1")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// Duration 解析一个已经过 Validate 校验的时间字符串。
func Duration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

// keysFromEnv 依次读取 PREFIX_1, PREFIX_2 ...，遇到第一个缺失的编号即停止。
func keysFromEnv(prefix string) []string {
	if prefix == "" {
		return nil
	}
	var keys []string
	for i := 1; ; i++ {
		v := strings.TrimSpace(os.Getenv(prefix + "_" + strconv.Itoa(i)))
		if v == "" {
			return keys
		}
		keys = append(keys, v)
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
