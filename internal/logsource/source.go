// Package logsource 提供规则评估和报表使用的日志查询后端。
package logsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/y001j/logwatch/internal/model"
)

// Source 日志源接口。查询语法由具体后端解释，引擎只把它当作不透明字符串。
type Source interface {
	Name() string
	Search(ctx context.Context, query string, start, end time.Time, maxEntries int) ([]model.LogEntry, error)
}

// Config 日志源配置
type Config struct {
	Type          string              `mapstructure:"type"` // elasticsearch, nats, memory
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Breaker       BreakerConfig       `mapstructure:"breaker"`
}

// New 根据配置创建日志源，外层统一包一层熔断器
func New(cfg Config, nc *nats.Conn) (Source, error) {
	var (
		src Source
		err error
	)

	switch strings.ToLower(cfg.Type) {
	case "elasticsearch", "es":
		src, err = NewElasticsearchSource(cfg.Elasticsearch)
	case "nats", "":
		if nc == nil {
			return nil, fmt.Errorf("nats日志源需要NATS连接")
		}
		src, err = NewNATSSource(nc, cfg.NATS)
	case "memory":
		src = NewMemorySource()
	default:
		return nil, fmt.Errorf("不支持的日志源类型: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	return WithBreaker(src, cfg.Breaker), nil
}

// Match 内置后端（nats、memory）共用的简单查询语义：
// 空白分隔的词全部满足才算命中；"field:value" 比较字段（不区分大小写），
// 其他词在 message 中做子串匹配；空查询或 "*" 匹配全部。
func Match(query string, entry model.LogEntry) bool {
	query = strings.TrimSpace(query)
	if query == "" || query == "*" {
		return true
	}

	message := strings.ToLower(entry.Message)
	for _, term := range strings.Fields(query) {
		if field, value, ok := strings.Cut(term, ":"); ok && field != "" {
			v, exists := entry.Field(field)
			if !exists {
				return false
			}
			if !strings.EqualFold(model.FormatValue(v), value) {
				return false
			}
			continue
		}
		if !strings.Contains(message, strings.ToLower(term)) {
			return false
		}
	}
	return true
}

// inRange 闭区间 [start, end]
func inRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}
