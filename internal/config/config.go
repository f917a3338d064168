package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"SoroTask/pkg/logger"
)

// 环境变量名称
const (
	EnvConfigPath    = "SOROTASK_CONFIG"
	EnvServerAddress = "SOROTASK_SERVER_ADDRESS"
	EnvStorageDSN    = "SOROTASK_STORAGE_DSN"
	EnvLogLevel      = "SOROTASK_LOG_LEVEL"

	// DefaultPath 是未设置 SOROTASK_CONFIG 时读取的配置文件。
	DefaultPath = "configs/sorotask.yaml"
)

// Config 描述了 SoroTask 在启动阶段需要加载的核心配置。
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Queue         QueueConfig         `yaml:"queue"`
	Journal       JournalConfig       `yaml:"journal"`
	Web3          Web3Config          `yaml:"web3"`
	Logging       logger.Config       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig 描述任务存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
}

// TaskStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type TaskStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// QueueConfig 描述执行请求队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Workers  int            `yaml:"workers"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 的连接参数。
type RedisConfig struct {
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	Key             string        `yaml:"key"`
	BlockWait       time.Duration `yaml:"block_wait"`
	MaxRedeliveries int           `yaml:"max_redeliveries"`
}

// RabbitMQConfig 是 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// JournalConfig 控制预写日志，driver 可选 none、memory 与 redis。
type JournalConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainConfig       string        `yaml:"chain_config"`
	DefaultChain      string        `yaml:"default_chain"`
	RPCURL            string        `yaml:"rpc_url"`
	PrivateKeyEnv     string        `yaml:"private_key_env"`
	ResolverSignature string        `yaml:"resolver_signature"`
	GasLimit          uint64        `yaml:"gas_limit"`
	ReceiptTimeout    time.Duration `yaml:"receipt_timeout"`
	// UseBlockClock 为 true 时 last_run 取默认链最新区块时间。
	UseBlockClock bool `yaml:"use_block_clock"`
}

// Enabled 表示是否配置了任何链端点。
func (c Web3Config) Enabled() bool {
	return strings.TrimSpace(c.ChainConfig) != "" || strings.TrimSpace(c.RPCURL) != ""
}

// ObservabilityConfig 汇总指标与告警配置。
type ObservabilityConfig struct {
	Metrics  MetricsConfig  `yaml:"metrics"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Log        bool   `yaml:"log"`
}

// ResolvePath 返回应当读取的配置文件路径。
func ResolvePath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。路径为空时依次尝试环境变量与默认路径，
// 默认路径不存在时返回纯默认配置。
func Load(path string) (*Config, error) {
	explicit := strings.TrimSpace(path) != "" || strings.TrimSpace(os.Getenv(EnvConfigPath)) != ""
	path = ResolvePath(path)

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !explicit:
		content = nil
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析配置内容并应用默认值、环境变量覆盖与校验。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(content))) > 0 {
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 128
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "sorotask:triggers"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "sorotask.triggers"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Redis.Key == "" {
		c.Journal.Redis.Key = "sorotask:journal"
	}

	if c.Web3.ResolverSignature == "" {
		c.Web3.ResolverSignature = "checkCondition(bytes)"
	}
	if c.Web3.ReceiptTimeout <= 0 {
		c.Web3.ReceiptTimeout = 2 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServerAddress)); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		c.Storage.TaskStore.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
}

// resolvePaths 将相对路径解析为相对配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查驱动名称与必要字段。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.task_store.dsn 不能为空 (driver=%s)", c.Storage.TaskStore.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的任务存储驱动 %q", c.Storage.TaskStore.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动 %q", c.Queue.Driver))
	}

	switch c.Journal.Driver {
	case "none", "memory":
	case "redis":
		if strings.TrimSpace(c.Journal.Redis.Address) == "" {
			errs = append(errs, errors.New("journal.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的预写日志驱动 %q", c.Journal.Driver))
	}

	if c.Web3.UseBlockClock && !c.Web3.Enabled() {
		errs = append(errs, errors.New("use_block_clock 需要配置链端点"))
	}
	return errors.Join(errs...)
}
