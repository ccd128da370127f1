package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述中继进程在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Chain        ChainConfig        `json:"chain"`
	Guardrails   GuardrailsConfig   `json:"guardrails"`
	Compensation CompensationConfig `json:"compensation"`
	Log          LogConfig          `json:"log"`
}

// ServerConfig 控制 HTTP 服务的监听地址与运维令牌。
type ServerConfig struct {
	Address  string `json:"address"`
	OpsToken string `json:"ops_token"`
}

// StorageConfig 描述订单、支付、账本与补偿任务共用的存储后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
// RPCURL 为空时使用静态只读实现，供本地联调。
type ChainConfig struct {
	RPCURL  string `json:"rpc_url"`
	Network string `json:"network"`
}

// GuardrailsConfig 指向支付风控规则文件。
type GuardrailsConfig struct {
	Path string `json:"path"`
}

// CompensationConfig 控制补偿周期的扫描与重试参数。
type CompensationConfig struct {
	ScanIntervalSeconds int         `json:"scan_interval_seconds"`
	OrderTimeoutMinutes int         `json:"order_timeout_minutes"`
	MaxAttempts         int         `json:"max_attempts"`
	Workers             int         `json:"workers"`
	Queue               QueueConfig `json:"queue"`
}

// QueueConfig 描述补偿任务使用的消息队列后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

// LogConfig 控制日志输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "RELAY_CONFIG"

// DefaultPath 是未显式指定时使用的配置文件路径。
const DefaultPath = "configs/relay.json"

// Resolve 按环境变量和默认值确定配置文件路径。
func Resolve(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load 解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// Default 返回一份不依赖配置文件的默认配置，供本地联调使用。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Chain.Network == "" {
		c.Chain.Network = "base"
	}

	if c.Guardrails.Path != "" && !filepath.IsAbs(c.Guardrails.Path) {
		c.Guardrails.Path = filepath.Join(baseDir, c.Guardrails.Path)
	}

	if c.Compensation.ScanIntervalSeconds <= 0 {
		c.Compensation.ScanIntervalSeconds = 15
	}
	if c.Compensation.OrderTimeoutMinutes <= 0 {
		c.Compensation.OrderTimeoutMinutes = 30
	}
	if c.Compensation.MaxAttempts <= 0 {
		c.Compensation.MaxAttempts = 5
	}
	if c.Compensation.Workers <= 0 {
		c.Compensation.Workers = 2
	}
	if c.Compensation.Queue.Driver == "" {
		c.Compensation.Queue.Driver = "memory"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stdout"}
	}
}
