package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

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

// ServerConfig 定义了 HTTP 服务的监听与对外标识配置。
type ServerConfig struct {
	Address          string `yaml:"address"`          // HTTP 监听地址 (例如: ":8080")
	PublicURL        string `yaml:"publicURL"`        // 对外公开的基础URL，写入 agent card
	AgentName        string `yaml:"agentName"`        // agent card 中的名称
	AgentDescription string `yaml:"agentDescription"` // agent card 中的描述
}

// StreamConfig 定义了流式协调核心的行为参数。所有时间单位均为秒。
type StreamConfig struct {
	TaskTTL         int   `yaml:"taskTTL"`         // 任务快照/事件日志的保留时间
	StreamMaxLen    int64 `yaml:"streamMaxLen"`    // 每个任务事件日志的最大长度（最旧的先被裁剪）
	SubscriberTTL   int   `yaml:"subscriberTTL"`   // 订阅登记项未续期时的过期时间
	SessionBuffer   int   `yaml:"sessionBuffer"`   // 每个观察者会话的事件缓冲大小
	SendTimeout     int   `yaml:"sendTimeout"`     // 向阻塞的观察者投递事件的超时（超时即断开）
	IdleTimeout     int   `yaml:"idleTimeout"`     // 会话空闲超时，0 表示禁用
	ArchiveAfter    int   `yaml:"archiveAfter"`    // 终态任务在归档前的最短驻留时间
	ArchiveInterval int   `yaml:"archiveInterval"` // 归档巡检周期
}

// TaskTTLDuration 返回任务保留时间。
func (c StreamConfig) TaskTTLDuration() time.Duration {
	return time.Duration(c.TaskTTL) * time.Second
}

// SubscriberTTLDuration 返回订阅项过期时间。
func (c StreamConfig) SubscriberTTLDuration() time.Duration {
	return time.Duration(c.SubscriberTTL) * time.Second
}

// SendTimeoutDuration 返回投递超时。
func (c StreamConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(c.SendTimeout) * time.Second
}

// IdleTimeoutDuration 返回会话空闲超时。
func (c StreamConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// ArchiveAfterDuration 返回终态任务归档前的驻留时间。
func (c StreamConfig) ArchiveAfterDuration() time.Duration {
	return time.Duration(c.ArchiveAfter) * time.Second
}

// ArchiveIntervalDuration 返回归档巡检周期。
func (c StreamConfig) ArchiveIntervalDuration() time.Duration {
	return time.Duration(c.ArchiveInterval) * time.Second
}

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
	PoolSize int    `yaml:"poolSize"` // 连接池大小，0 使用客户端默认值
}

// MongoConfig 定义了 MongoDB 归档库的连接配置。地址为空时禁用归档。
type MongoConfig struct {
	Address  string `yaml:"address"`  // MongoDB 服务器地址
	Username string `yaml:"username"` // 用户名
	Password string `yaml:"password"` // 密码
	Database string `yaml:"database"` // 数据库名称
}

// KafkaConfig 定义了事件审计流的 Kafka 配置。brokers 为空时禁用审计。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	Topic   string   `yaml:"topic"`   // 审计事件主题
}

// EtcdConfig 定义了服务注册的 Etcd 配置。endpoints 为空时禁用注册。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // Etcd 节点地址列表
	LeaseTTL  int64    `yaml:"leaseTTL"`  // 注册租约时长（秒）
}

// DatabaseConfigs 包含所有后端存储的配置。
type DatabaseConfigs struct {
	Redis   RedisConfig `yaml:"redis"`   // Redis 配置
	MongoDB MongoConfig `yaml:"mongodb"` // MongoDB 归档配置
	Kafka   KafkaConfig `yaml:"kafka"`   // Kafka 审计配置
	Etcd    EtcdConfig  `yaml:"etcd"`    // Etcd 服务注册配置
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App       AppInfo         `yaml:"app"`       // 应用程序信息
	Logger    LoggerConfig    `yaml:"logger"`    // 日志记录器配置
	Server    ServerConfig    `yaml:"server"`    // HTTP 服务配置
	Stream    StreamConfig    `yaml:"stream"`    // 流式协调核心配置
	Databases DatabaseConfigs `yaml:"databases"` // 后端存储配置
}

// LoadConfig 从指定路径加载并解析 YAML 配置文件。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 为未配置的核心参数填充安全默认值。
func (c *AppConfig) applyDefaults() {
	if c.Stream.TaskTTL <= 0 {
		c.Stream.TaskTTL = 60 * 60 * 24 // 24 小时
	}
	if c.Stream.StreamMaxLen <= 0 {
		c.Stream.StreamMaxLen = 1000
	}
	if c.Stream.SubscriberTTL <= 0 {
		c.Stream.SubscriberTTL = 300
	}
	if c.Stream.SessionBuffer <= 0 {
		c.Stream.SessionBuffer = 64
	}
	if c.Stream.SendTimeout <= 0 {
		c.Stream.SendTimeout = 5
	}
	if c.Stream.ArchiveInterval <= 0 {
		c.Stream.ArchiveInterval = 600
	}
	if c.Databases.Kafka.Topic == "" {
		c.Databases.Kafka.Topic = "a2a_task_events"
	}
	if c.Databases.Etcd.LeaseTTL <= 0 {
		c.Databases.Etcd.LeaseTTL = 10
	}
}
