package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Sequencer  SequencerConfig  `yaml:"sequencer" json:"sequencer"`
	Chains     []ChainConfig    `yaml:"chains" json:"chains"`
	Settlement SettlementConfig `yaml:"settlement" json:"settlement"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// SequencerConfig 撮合器连接配置
type SequencerConfig struct {
	NatsURL        string `yaml:"nats_url" json:"nats_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ChainConfig 单链配置
//
// Confirmations 为充值所需确认数, PollIntervalMs 为区块轮询间隔 (毫秒),
// ReceiptMaxWaitSeconds 为回执缺失的最长等待时间 (秒)。
type ChainConfig struct {
	ChainID               int64    `yaml:"chain_id" json:"chain_id"`
	Name                  string   `yaml:"name" json:"name"`
	RPCURL                string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs         []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	CustodyAddress        string   `yaml:"custody_address" json:"custody_address"`
	SubmitterKey          string   `yaml:"submitter_key" json:"submitter_key"`
	Confirmations         int      `yaml:"confirmations" json:"confirmations"`
	PollIntervalMs        int      `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	ReceiptMaxWaitSeconds int      `yaml:"receipt_max_wait_seconds" json:"receipt_max_wait_seconds"`
	GasLimit              uint64   `yaml:"gas_limit" json:"gas_limit"`
}

// SettlementConfig 结算配置
//
// 组批条件: 达到 BatchMinTrades 条成交, 或最早的待结算成交已等待
// 超过 BatchMaxWaitMs。三档轮询间隔: 有活跃批次用 Active, 空闲用
// Inactive, 出错退避用 Failure。
type SettlementConfig struct {
	BatchMinTrades         int `yaml:"batch_min_trades" json:"batch_min_trades"`
	BatchMaxWaitMs         int `yaml:"batch_max_wait_ms" json:"batch_max_wait_ms"`
	BatchMaxTrades         int `yaml:"batch_max_trades" json:"batch_max_trades"`
	ActivePollIntervalMs   int `yaml:"active_poll_interval_ms" json:"active_poll_interval_ms"`
	InactivePollIntervalMs int `yaml:"inactive_poll_interval_ms" json:"inactive_poll_interval_ms"`
	FailurePollIntervalMs  int `yaml:"failure_poll_interval_ms" json:"failure_poll_interval_ms"`
	MaxRetries             int `yaml:"max_retries" json:"max_retries"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := string(data)
	content = expandEnvVars(content)

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "helix-chain"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8084
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "helix-chain"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "helix-chain"
	}

	if cfg.Sequencer.TimeoutSeconds == 0 {
		cfg.Sequencer.TimeoutSeconds = 5
	}

	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		if chain.Confirmations == 0 {
			chain.Confirmations = 12
		}
		if chain.PollIntervalMs == 0 {
			chain.PollIntervalMs = 1000
		}
		if chain.ReceiptMaxWaitSeconds == 0 {
			chain.ReceiptMaxWaitSeconds = 600
		}
		if chain.GasLimit == 0 {
			chain.GasLimit = 3_000_000
		}
	}

	if cfg.Settlement.BatchMinTrades == 0 {
		cfg.Settlement.BatchMinTrades = 10
	}
	if cfg.Settlement.BatchMaxWaitMs == 0 {
		cfg.Settlement.BatchMaxWaitMs = 5000
	}
	if cfg.Settlement.BatchMaxTrades == 0 {
		cfg.Settlement.BatchMaxTrades = 100
	}
	if cfg.Settlement.ActivePollIntervalMs == 0 {
		cfg.Settlement.ActivePollIntervalMs = 500
	}
	if cfg.Settlement.InactivePollIntervalMs == 0 {
		cfg.Settlement.InactivePollIntervalMs = 2000
	}
	if cfg.Settlement.FailurePollIntervalMs == 0 {
		cfg.Settlement.FailurePollIntervalMs = 10000
	}
	if cfg.Settlement.MaxRetries == 0 {
		cfg.Settlement.MaxRetries = 3
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// validate 校验必填项
func validate(cfg *Config) error {
	if len(cfg.Chains) == 0 {
		return errors.New("at least one chain must be configured")
	}
	seen := make(map[int64]bool, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		if chain.ChainID == 0 {
			return errors.New("chain_id is required")
		}
		if seen[chain.ChainID] {
			return errors.New("duplicate chain_id: " + strconv.FormatInt(chain.ChainID, 10))
		}
		seen[chain.ChainID] = true
		if chain.RPCURL == "" {
			return errors.New("rpc_url is required for chain " + strconv.FormatInt(chain.ChainID, 10))
		}
		if chain.CustodyAddress == "" {
			return errors.New("custody_address is required for chain " + strconv.FormatInt(chain.ChainID, 10))
		}
	}
	return nil
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
