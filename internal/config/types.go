// Package config 配置加载：viper读取文件和环境变量，解码到 Config。
package config

import (
	"time"

	"github.com/y001j/logwatch/internal/logsource"
	"github.com/y001j/logwatch/internal/northbound/influxdb"
	"github.com/y001j/logwatch/internal/northbound/jetstream"
	mqttsink "github.com/y001j/logwatch/internal/northbound/mqtt"
	redissink "github.com/y001j/logwatch/internal/northbound/redis"
	wssink "github.com/y001j/logwatch/internal/northbound/websocket"
	"github.com/y001j/logwatch/internal/notify"
	"github.com/y001j/logwatch/internal/reports"
	"github.com/y001j/logwatch/internal/rules"
	"github.com/y001j/logwatch/internal/storage"
)

// Config 完整配置
type Config struct {
	LogWatch   LogWatchConfig   `mapstructure:"logwatch"`
	NATS       NATSConfig       `mapstructure:"nats"`
	RuleEngine RuleEngineConfig `mapstructure:"rule_engine"`
	LogSource  logsource.Config `mapstructure:"log_source"`
	Storage    storage.Config   `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	InfluxDB   InfluxDBConfig   `mapstructure:"influxdb"`
	Events     EventsConfig     `mapstructure:"events"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Reports    reports.Config   `mapstructure:"reports"`
}

// LogWatchConfig 进程级配置
type LogWatchConfig struct {
	ID              string        `mapstructure:"id"`
	LogLevel        string        `mapstructure:"log_level"`
	LogPretty       bool          `mapstructure:"log_pretty"`
	HTTPPort        int           `mapstructure:"http_port"`
	DataDir         string        `mapstructure:"data_dir"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig 消息总线。URL为 "embedded" 时启动内嵌服务器。
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	EmbeddedPort int    `mapstructure:"embedded_port"`
	StoreDir     string `mapstructure:"store_dir"`
}

// RuleEngineConfig 规则引擎
type RuleEngineConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	RulesDir           string `mapstructure:"rules_dir"`
	HotReload          bool   `mapstructure:"hot_reload"`
	rules.EngineConfig `mapstructure:",squash"`
}

// RedisConfig Redis连接，启用后用于多实例评估锁和事件输出
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`

	redissink.Config `mapstructure:",squash"`
}

// InfluxDBConfig 告警事件时序输出
type InfluxDBConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	influxdb.Config `mapstructure:",squash"`
}

// EventsConfig 告警事件在NATS上的发布
type EventsConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	Console          bool `mapstructure:"console"`
	jetstream.Config `mapstructure:",squash"`
}

// MQTTConfig 告警事件发布到MQTT
type MQTTConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	mqttsink.Config `mapstructure:",squash"`
}

// StreamConfig 告警事件通过 /api/v1/ws/alerts 实时推送
type StreamConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	wssink.Config `mapstructure:",squash"`
}

// NotifyConfig 通知渠道
type NotifyConfig struct {
	Email                 notify.EmailConfig   `mapstructure:"email"`
	Webhook               notify.WebhookConfig `mapstructure:"webhook"`
	SMS                   notify.SMSConfig     `mapstructure:"sms"`
	Chat                  notify.ChatConfig    `mapstructure:"chat"`
	notify.DispatchConfig `mapstructure:",squash"`
}
