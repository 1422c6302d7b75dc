package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/y001j/logwatch/internal/rules"
)

// EnvPrefix 环境变量前缀，如 LOGWATCH_LOGWATCH_LOG_LEVEL
const EnvPrefix = "LOGWATCH"

// Manager 负责加载、校验和热加载配置
type Manager struct {
	viper    *viper.Viper
	path     string
	mu       sync.RWMutex
	current  *Config
	watchers []func(*Config)
	hot      bool
}

// NewManager 创建配置管理器。path 为空时只使用默认值和环境变量。
func NewManager(path string) *Manager {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		// 根据文件扩展名设置配置类型
		switch filepath.Ext(path) {
		case ".json":
			v.SetConfigType("json")
		case ".toml":
			v.SetConfigType("toml")
		default:
			v.SetConfigType("yaml")
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Manager{viper: v, path: path}
}

// Load 读取并校验配置
func (m *Manager) Load() (*Config, error) {
	if m.path != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) decode() (*Config, error) {
	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// Config 当前生效的配置
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Viper 底层viper实例
func (m *Manager) Viper() *viper.Viper {
	return m.viper
}

// OnChange 注册配置变更回调，只有校验通过的新配置才会通知
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// EnableHotReload 监听配置文件变更
func (m *Manager) EnableHotReload() {
	m.mu.Lock()
	if m.hot || m.path == "" {
		m.mu.Unlock()
		return
	}
	m.hot = true
	m.mu.Unlock()

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("检测到配置文件变更")
		m.reload()
	})
	m.viper.WatchConfig()
}

func (m *Manager) reload() {
	cfg, err := m.decode()
	if err != nil {
		log.Warn().Err(err).Msg("新配置无效，继续使用原配置")
		return
	}

	m.mu.Lock()
	m.current = cfg
	watchers := append([]func(*Config){}, m.watchers...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// setDefaults 默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("logwatch.id", "logwatch-001")
	v.SetDefault("logwatch.log_level", "info")
	v.SetDefault("logwatch.http_port", 8090)
	v.SetDefault("logwatch.data_dir", "./data")
	v.SetDefault("logwatch.metrics_interval", "15s")
	v.SetDefault("logwatch.shutdown_timeout", "15s")

	v.SetDefault("nats.url", "embedded")
	v.SetDefault("nats.embedded_port", 4222)
	v.SetDefault("nats.store_dir", "./data/jetstream")

	v.SetDefault("rule_engine.enabled", true)
	v.SetDefault("rule_engine.rules_dir", "./rules")
	v.SetDefault("rule_engine.hot_reload", true)
	v.SetDefault("rule_engine.tick_interval", "60s")
	v.SetDefault("rule_engine.max_concurrency", 8)
	v.SetDefault("rule_engine.query_timeout", "30s")
	v.SetDefault("rule_engine.max_entries", rules.DefaultMaxEntries)
	v.SetDefault("rule_engine.sample_size", 10)

	v.SetDefault("log_source.type", "nats")
	v.SetDefault("log_source.nats.subject", "logwatch.logs.>")
	v.SetDefault("log_source.nats.buffer_size", 10000)
	v.SetDefault("log_source.elasticsearch.index", "logs-*")
	v.SetDefault("log_source.breaker.enabled", true)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/logwatch.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.lock_ttl", "2m")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.measurement", "alert_events")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.console", false)
	v.SetDefault("events.subject_prefix", "logwatch.alerts")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topic_prefix", "logwatch/alerts")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.publish_timeout", "5s")

	v.SetDefault("stream.enabled", true)

	v.SetDefault("notify.rate_per_minute", 60)
	v.SetDefault("notify.timeout", "30s")
	v.SetDefault("notify.breaker_failures", 5)
	v.SetDefault("notify.email.port", 25)

	v.SetDefault("reports.enabled", true)
	v.SetDefault("reports.output_dir", "./data/reports")
}
