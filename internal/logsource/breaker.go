package logsource

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/y001j/logwatch/internal/model"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

// breakerSource 连续失败后短路查询，避免日志后端故障时每条规则都去等超时
type breakerSource struct {
	inner Source
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker 给日志源加熔断器；未启用时原样返回
func WithBreaker(src Source, cfg BreakerConfig) Source {
	if !cfg.Enabled {
		return src
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "logsource-" + src.Name(),
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("日志源熔断器状态变化")
		},
	})
	return &breakerSource{inner: src, cb: cb}
}

func (b *breakerSource) Name() string { return b.inner.Name() }

// Close 释放被包装的日志源
func (b *breakerSource) Close() error {
	if c, ok := b.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *breakerSource) Search(ctx context.Context, query string, start, end time.Time, maxEntries int) ([]model.LogEntry, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Search(ctx, query, start, end, maxEntries)
	})
	if err != nil {
		return nil, err
	}
	entries, _ := res.([]model.LogEntry)
	return entries, nil
}
