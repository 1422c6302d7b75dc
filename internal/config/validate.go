package config

import (
	"fmt"
	"strings"
)

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true,
	"warn": true, "error": true, "fatal": true,
}

// Validate 检查配置
func (c *Config) Validate() error {
	if c.LogWatch.ID == "" {
		return fmt.Errorf("logwatch.id 不能为空")
	}
	if !validLevels[strings.ToLower(c.LogWatch.LogLevel)] {
		return fmt.Errorf("logwatch.log_level 必须是 trace, debug, info, warn, error, fatal 之一")
	}
	if p := c.LogWatch.HTTPPort; p < 1 || p > 65535 {
		return fmt.Errorf("logwatch.http_port 必须在 1-65535 之间")
	}

	switch strings.ToLower(c.LogSource.Type) {
	case "nats", "memory", "":
	case "elasticsearch", "es":
		if len(c.LogSource.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("log_source.elasticsearch.addresses 不能为空")
		}
	default:
		return fmt.Errorf("不支持的日志源类型: %s", c.LogSource.Type)
	}

	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "memory", "":
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}

	if c.RuleEngine.Enabled {
		if c.RuleEngine.TickInterval < 0 || c.RuleEngine.QueryTimeout < 0 {
			return fmt.Errorf("rule_engine 时间配置不能为负数")
		}
		if c.RuleEngine.MaxConcurrency < 0 {
			return fmt.Errorf("rule_engine.max_concurrency 不能为负数")
		}
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address 不能为空")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url 不能为空")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker 不能为空")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos 必须是 0、1 或 2")
		}
	}
	if c.Notify.RatePerMinute < 0 {
		return fmt.Errorf("notify.rate_per_minute 不能为负数")
	}
	if c.Reports.Enabled && c.Reports.OutputDir == "" {
		return fmt.Errorf("reports.output_dir 不能为空")
	}
	return nil
}
