package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	MetricsPort string `yaml:"metrics_port"`
}

// WorkflowConfig 审批引擎参数
type WorkflowConfig struct {
	// DelayGraceDays 最近批准更新的宽限天数，超过后项目可被标记延期
	DelayGraceDays int `yaml:"delay_grace_days"`
	// DelayScanInterval 延期扫描间隔
	DelayScanInterval time.Duration `yaml:"delay_scan_interval"`
	// EscalationThreshold 资金请求与剩余拨款比例的上报阈值
	EscalationThreshold float64 `yaml:"escalation_threshold"`
	// MaxEscalations 全国上报列表上限
	MaxEscalations int `yaml:"max_escalations"`
	// RollupCacheTTL 汇总缓存过期时间
	RollupCacheTTL time.Duration `yaml:"rollup_cache_ttl"`
}

type Config struct {
	DB       DBConfig       `yaml:"db"`
	MQ       MQConfig       `yaml:"mq"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Server   ServerConfig   `yaml:"server"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	// 环境变量覆盖（生产环境使用）
	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg
}

func overrideFromEnv(cfg *Config) {
	// DB配置
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	// MQ配置
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	// Redis配置
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	// JWT配置
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	// Server配置
	if port := os.Getenv("METRICS_PORT"); port != "" {
		cfg.Server.MetricsPort = port
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Workflow.DelayGraceDays <= 0 {
		cfg.Workflow.DelayGraceDays = 30
	}
	if cfg.Workflow.DelayScanInterval <= 0 {
		cfg.Workflow.DelayScanInterval = time.Hour
	}
	if cfg.Workflow.EscalationThreshold <= 0 {
		cfg.Workflow.EscalationThreshold = 0.5
	}
	if cfg.Workflow.MaxEscalations <= 0 {
		cfg.Workflow.MaxEscalations = 20
	}
	if cfg.Workflow.RollupCacheTTL <= 0 {
		cfg.Workflow.RollupCacheTTL = 30 * time.Second
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = ":9100"
	}
}
