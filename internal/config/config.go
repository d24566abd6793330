package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 是所有环境变量覆盖项的统一前缀。
const EnvPrefix = "MONAD"

// Config 描述守护进程启动阶段需要加载的全部配置。
type Config struct {
	Network     NetworkConfig     `json:"network" envconfig:"NETWORK"`
	Gas         GasConfig         `json:"gas" envconfig:"GAS"`
	Transaction TransactionConfig `json:"transaction" envconfig:"TX"`
	Wallet      WalletConfig      `json:"wallet" envconfig:"WALLET"`
	Logging     LoggingConfig     `json:"logging" envconfig:"LOG"`
	Server      ServerConfig      `json:"server" envconfig:"SERVER"`
	Storage     StorageConfig     `json:"storage" envconfig:"STORAGE"`
	TaskQueue   TaskQueueConfig   `json:"task_queue" envconfig:"QUEUE"`
	Redis       RedisConfig       `json:"redis" envconfig:"REDIS"`
	Alerting    AlertingConfig    `json:"alerting" envconfig:"ALERT"`
}

// NetworkConfig 描述要连接的链节点。
type NetworkConfig struct {
	Name           string   `json:"name" envconfig:"NAME"`
	RPCURL         string   `json:"rpc_url" envconfig:"RPC_URL"`
	ChainID        int64    `json:"chain_id" envconfig:"CHAIN_ID"`
	NetworksFile   string   `json:"networks_file" envconfig:"FILE"`
	RequestTimeout Duration `json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// GasConfig 控制 gas 价格与上限的估算策略。
type GasConfig struct {
	Multiplier      float64 `json:"multiplier" envconfig:"MULTIPLIER"`
	DefaultLimit    uint64  `json:"default_limit" envconfig:"DEFAULT_LIMIT"`
	DefaultPriceWei uint64  `json:"default_price_wei" envconfig:"DEFAULT_PRICE_WEI"`
}

// TransactionConfig 控制交易确认与 nonce 分配。
type TransactionConfig struct {
	ConfirmationTimeout Duration `json:"confirmation_timeout" envconfig:"CONFIRMATION_TIMEOUT"`
	PollInterval        Duration `json:"poll_interval" envconfig:"POLL_INTERVAL"`
	NonceDriver         string   `json:"nonce_driver" envconfig:"NONCE_DRIVER"`
}

// WalletConfig 描述钱包目录与加密口令来源。
type WalletConfig struct {
	Dir               string `json:"dir" envconfig:"DIR"`
	Password          string `json:"password" envconfig:"PASSWORD"`
	PasswordPrompt    bool   `json:"password_prompt" envconfig:"PASSWORD_PROMPT"`
	DefaultName       string `json:"default_name" envconfig:"DEFAULT_NAME"`
	DefaultPrivateKey string `json:"default_private_key" envconfig:"DEFAULT_PRIVATE_KEY"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string   `json:"level" envconfig:"LEVEL"`
	Format      string   `json:"format" envconfig:"FORMAT"`
	OutputPaths []string `json:"output_paths" envconfig:"OUTPUTS"`
	MaxSizeMB   int      `json:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups  int      `json:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays  int      `json:"max_age_days" envconfig:"MAX_AGE_DAYS"`
	AuditPath   string   `json:"audit_path" envconfig:"AUDIT_PATH"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
// APITokens 的每一项为 "name=token" 或裸 token，为空时不启用认证。
type ServerConfig struct {
	Address   string   `json:"address" envconfig:"ADDRESS"`
	APITokens []string `json:"api_tokens" envconfig:"API_TOKENS"`
}

// StorageConfig 统一描述结果与任务状态的存储后端。
type StorageConfig struct {
	ResultStore ResultStoreConfig `json:"result_store" envconfig:"RESULTS"`
	JobStore    JobStoreConfig    `json:"job_store" envconfig:"JOBS"`
}

// ResultStoreConfig 支持 memory 与 mysql 两种驱动。memory 驱动把结果追加写入 DataDir。
type ResultStoreConfig struct {
	Driver          string   `json:"driver" envconfig:"DRIVER"`
	DataDir         string   `json:"data_dir" envconfig:"DATA_DIR"`
	DSN             string   `json:"dsn" envconfig:"DSN"`
	MaxOpenConns    int      `json:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	Retries         int      `json:"retries" envconfig:"RETRIES"`
}

// JobStoreConfig 描述任务状态存储。mysql 驱动未填写 DSN 时复用结果库的 DSN。
type JobStoreConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER"`
	DSN    string `json:"dsn" envconfig:"DSN"`
}

// TaskQueueConfig 描述任务队列驱动与消费并发度。
type TaskQueueConfig struct {
	Driver        string         `json:"driver" envconfig:"DRIVER"`
	Worker        int            `json:"worker" envconfig:"WORKER"`
	MaxRetries    int            `json:"max_retries" envconfig:"MAX_RETRIES"`
	ParallelLimit int            `json:"parallel_limit" envconfig:"PARALLEL_LIMIT"`
	Redis         RedisQueue     `json:"redis" envconfig:"REDIS"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq" envconfig:"RABBITMQ"`
}

// RedisQueue 描述 Redis list 队列。
type RedisQueue struct {
	Queue     string   `json:"queue" envconfig:"NAME"`
	BlockWait Duration `json:"block_wait" envconfig:"BLOCK_WAIT"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url" envconfig:"URL"`
	Queue      string `json:"queue" envconfig:"NAME"`
	Prefetch   int    `json:"prefetch" envconfig:"PREFETCH"`
	Durable    bool   `json:"durable" envconfig:"DURABLE"`
	AutoDelete bool   `json:"auto_delete" envconfig:"AUTO_DELETE"`
}

// RedisConfig 是 Redis 队列与 nonce 分配共用的连接信息。
type RedisConfig struct {
	Address  string `json:"address" envconfig:"ADDRESS"`
	Password string `json:"password" envconfig:"PASSWORD"`
	DB       int    `json:"db" envconfig:"DB"`
}

// AlertingConfig 控制任务失败告警，WebhookURL 为空时只写审计日志。
type AlertingConfig struct {
	WebhookURL string   `json:"webhook_url" envconfig:"WEBHOOK_URL"`
	Timeout    Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// Load 解析指定路径的 JSON 配置文件，并叠加 .env 与 MONAD_* 环境变量。
// path 为空或文件不存在时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		baseDir = filepath.Dir(path)
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			content, err := io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
			if err := json.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析配置失败: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
	}

	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv 依次加载 .env 与 .env.local，后者覆盖前者，已存在的进程环境变量优先于 .env。
func loadDotEnv(baseDir string) error {
	base := filepath.Join(baseDir, ".env")
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", base, err)
		}
	}
	local := filepath.Join(baseDir, ".env.local")
	if _, err := os.Stat(local); err == nil {
		if err := godotenv.Overload(local); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", local, err)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Network.Name == "" {
		c.Network.Name = "monad-testnet"
	}
	if c.Network.ChainID == 0 {
		c.Network.ChainID = 2442
	}
	if c.Network.RequestTimeout <= 0 {
		c.Network.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Network.NetworksFile != "" && !filepath.IsAbs(c.Network.NetworksFile) {
		c.Network.NetworksFile = filepath.Join(baseDir, c.Network.NetworksFile)
	}

	if c.Gas.Multiplier <= 0 {
		c.Gas.Multiplier = 1.1
	}
	if c.Gas.DefaultLimit == 0 {
		c.Gas.DefaultLimit = 3_000_000
	}
	if c.Gas.DefaultPriceWei == 0 {
		c.Gas.DefaultPriceWei = 10_000_000_000
	}

	if c.Transaction.ConfirmationTimeout <= 0 {
		c.Transaction.ConfirmationTimeout = Duration(300 * time.Second)
	}
	if c.Transaction.PollInterval <= 0 {
		c.Transaction.PollInterval = Duration(100 * time.Millisecond)
	}
	if c.Transaction.NonceDriver == "" {
		c.Transaction.NonceDriver = "memory"
	}

	if c.Wallet.Dir == "" {
		c.Wallet.Dir = filepath.Join(baseDir, "wallets")
	} else if !filepath.IsAbs(c.Wallet.Dir) {
		c.Wallet.Dir = filepath.Join(baseDir, c.Wallet.Dir)
	}
	if c.Wallet.DefaultName == "" && c.Wallet.DefaultPrivateKey != "" {
		c.Wallet.DefaultName = "default"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 10
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ResultStore.Driver == "" {
		c.Storage.ResultStore.Driver = "memory"
	}
	if c.Storage.ResultStore.Retries <= 0 {
		c.Storage.ResultStore.Retries = 3
	}
	if c.Storage.ResultStore.DataDir == "" {
		c.Storage.ResultStore.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Storage.ResultStore.DataDir) {
		c.Storage.ResultStore.DataDir = filepath.Join(baseDir, c.Storage.ResultStore.DataDir)
	}
	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.JobStore.DSN == "" {
		c.Storage.JobStore.DSN = c.Storage.ResultStore.DSN
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.ParallelLimit < 0 {
		c.TaskQueue.ParallelLimit = 0
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = Duration(10 * time.Second)
	}
}

// Validate 检查无法通过默认值补全的必填项。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Network.RPCURL) == "" && strings.TrimSpace(c.Network.NetworksFile) == "" {
		return errors.New("未配置 RPC 地址: 请设置 network.rpc_url 或 MONAD_NETWORK_RPC_URL")
	}
	if c.Network.ChainID <= 0 {
		return fmt.Errorf("无效的 chain_id: %d", c.Network.ChainID)
	}
	if c.Gas.Multiplier < 1 {
		return fmt.Errorf("gas multiplier 不能小于 1: %v", c.Gas.Multiplier)
	}
	switch c.Transaction.NonceDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的 nonce 驱动: %s", c.Transaction.NonceDriver)
	}
	for _, store := range []struct{ name, driver, dsn string }{
		{"result_store", c.Storage.ResultStore.Driver, c.Storage.ResultStore.DSN},
		{"job_store", c.Storage.JobStore.Driver, c.Storage.JobStore.DSN},
	} {
		switch store.driver {
		case "memory":
		case "mysql":
			if strings.TrimSpace(store.dsn) == "" {
				return fmt.Errorf("%s 使用 mysql 驱动时必须配置 dsn", store.name)
			}
		default:
			return fmt.Errorf("未知的 %s 驱动: %s", store.name, store.driver)
		}
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	if (c.TaskQueue.Driver == "redis" || c.Transaction.NonceDriver == "redis") && strings.TrimSpace(c.Redis.Address) == "" {
		return errors.New("使用 redis 驱动时必须配置 redis.address")
	}
	if c.TaskQueue.Driver == "rabbitmq" && strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
		return errors.New("使用 rabbitmq 驱动时必须配置 task_queue.rabbitmq.url")
	}
	return nil
}

// DefaultGasPrice 以 *big.Int 形式返回默认 gas 价格。
func (g GasConfig) DefaultGasPrice() *big.Int {
	return new(big.Int).SetUint64(g.DefaultPriceWei)
}
