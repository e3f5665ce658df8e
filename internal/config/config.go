package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述守护进程启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Queue       QueueConfig       `json:"queue"`
	Ledger      LedgerConfig      `json:"ledger"`
	Content     ContentConfig     `json:"content"`
	Market      MarketConfig      `json:"market"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Logging     LoggingConfig     `json:"logging"`
	Alerting    AlertingConfig    `json:"alerting"`
}

// ServerConfig 控制 API 服务与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述注册表、工作流与资产目录的持久化后端。
// driver 支持 memory 与 mysql，三类存储共用同一个 DSN。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// IdempotencyConfig 描述幂等存储后端，driver 支持 memory 与 redis。
type IdempotencyConfig struct {
	Driver         string      `json:"driver"`
	RetentionHours int         `json:"retention_hours"`
	Redis          RedisConfig `json:"redis"`
}

// QueueConfig 描述触发队列后端，driver 支持 memory、redis 与 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RabbitMQConfig 描述 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// LedgerConfig 描述可编程所有权账本的接入点与合约地址。
type LedgerConfig struct {
	RPCURL             string `json:"rpc_url"`
	RelayerRPCURL      string `json:"relayer_rpc_url"`
	SPGNFTContract     string `json:"spg_nft_contract"`
	PILLicenseTemplate string `json:"pil_license_template"`
	RoyaltyPolicyLAP   string `json:"royalty_policy_lap"`
	WIPToken           string `json:"wip_token"`
	ReceiptTimeoutSecs int    `json:"receipt_timeout_seconds"`
}

// ContentConfig 描述内容生成与元数据固定服务。
type ContentConfig struct {
	Generator GeneratorConfig `json:"generator"`
	IPFS      IPFSConfig      `json:"ipfs"`
}

// GeneratorConfig 描述生成式内容服务的接入信息。
type GeneratorConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	TimeoutSecs int    `json:"timeout_seconds"`
}

// IPFSConfig 描述元数据固定服务的接入信息，优先走 Pinata。
type IPFSConfig struct {
	PinataJWT   string `json:"pinata_jwt"`
	NodeAPIURL  string `json:"node_api_url"`
	TimeoutSecs int    `json:"timeout_seconds"`
}

// MarketConfig 描述授权目标市场清单。
type MarketConfig struct {
	CatalogPath string  `json:"catalog_path"`
	Threshold   float64 `json:"threshold"`
	MaxResults  int     `json:"max_results"`
}

// SchedulerConfig 描述周期触发的间隔，单位分钟。
type SchedulerConfig struct {
	ContentIntervalMins     int `json:"content_interval_minutes"`
	MaintenanceIntervalMins int `json:"maintenance_interval_minutes"`
	ScanIntervalMins        int `json:"scan_interval_minutes"`
}

// EngineConfig 描述工作流引擎的执行参数。
type EngineConfig struct {
	WorkerCount     int `json:"worker_count"`
	MaxConcurrent   int `json:"max_concurrent"`
	MaxAttempts     int `json:"max_attempts"`
	BaseBackoffSecs int `json:"base_backoff_seconds"`
	MaxBackoffSecs  int `json:"max_backoff_seconds"`
	StepTimeoutSecs int `json:"step_timeout_seconds"`
	TokenGraceHours int `json:"token_grace_hours"`
}

// LoggingConfig 描述日志输出方式。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	DingTalkWebhook string   `json:"dingtalk_webhook"`
	SlackWebhook    string   `json:"slack_webhook"`
	EmailTo         []string `json:"email_to"`
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

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Idempotency.Driver == "" {
		c.Idempotency.Driver = "memory"
	}
	if c.Idempotency.RetentionHours <= 0 {
		c.Idempotency.RetentionHours = 24
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 64
	}

	if c.Engine.WorkerCount <= 0 {
		c.Engine.WorkerCount = 4
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = 16
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 5
	}
	if c.Engine.BaseBackoffSecs <= 0 {
		c.Engine.BaseBackoffSecs = 1
	}
	if c.Engine.MaxBackoffSecs <= 0 {
		c.Engine.MaxBackoffSecs = 60
	}
	if c.Engine.StepTimeoutSecs <= 0 {
		c.Engine.StepTimeoutSecs = 30
	}
	if c.Engine.TokenGraceHours <= 0 {
		c.Engine.TokenGraceHours = 24
	}

	if c.Scheduler.ContentIntervalMins <= 0 {
		c.Scheduler.ContentIntervalMins = 120
	}
	if c.Scheduler.MaintenanceIntervalMins <= 0 {
		c.Scheduler.MaintenanceIntervalMins = 24 * 60
	}
	if c.Scheduler.ScanIntervalMins <= 0 {
		c.Scheduler.ScanIntervalMins = 30
	}

	if c.Market.Threshold <= 0 {
		c.Market.Threshold = 0.7
	}
	if c.Market.MaxResults <= 0 {
		c.Market.MaxResults = 3
	}
	if c.Market.CatalogPath != "" && !filepath.IsAbs(c.Market.CatalogPath) {
		c.Market.CatalogPath = filepath.Join(baseDir, c.Market.CatalogPath)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// ContentInterval 返回创作触发间隔。
func (c SchedulerConfig) ContentInterval() time.Duration {
	return time.Duration(c.ContentIntervalMins) * time.Minute
}

// MaintenanceInterval 返回收益维护触发间隔。
func (c SchedulerConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMins) * time.Minute
}

// ScanInterval 返回市场扫描间隔。
func (c SchedulerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMins) * time.Minute
}
