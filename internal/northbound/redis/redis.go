package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/northbound"
)

// Config Redis连接器配置
type Config struct {
	Channel    string `mapstructure:"channel"`
	HistoryKey string `mapstructure:"history_key"`
	MaxHistory int64  `mapstructure:"max_history"`
}

// Sink 把告警事件发布到Redis频道，同时保存最近的事件列表
type Sink struct {
	*northbound.BaseSink
	client     redis.UniversalClient
	channel    string
	historyKey string
	maxHistory int64
}

// New 创建Redis连接器
func New(client redis.UniversalClient, cfg Config) *Sink {
	if cfg.Channel == "" {
		cfg.Channel = "logwatch:alerts"
	}
	if cfg.HistoryKey == "" {
		cfg.HistoryKey = "logwatch:alerts:recent"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}

	log.Info().
		Str("channel", cfg.Channel).
		Str("history_key", cfg.HistoryKey).
		Int64("max_history", cfg.MaxHistory).
		Msg("Redis告警事件连接器初始化完成")

	return &Sink{
		BaseSink:   northbound.NewBaseSink("redis", "redis"),
		client:     client,
		channel:    cfg.Channel,
		historyKey: cfg.HistoryKey,
		maxHistory: cfg.MaxHistory,
	}
}

func (s *Sink) Publish(ctx context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}

		pipe := s.client.TxPipeline()
		pipe.Publish(ctx, s.channel, data)
		pipe.LPush(ctx, s.historyKey, data)
		pipe.LTrim(ctx, s.historyKey, 0, s.maxHistory-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("写入Redis失败: %w", err)
		}
		return nil
	})
}

// Close 客户端由运行时统一关闭
func (s *Sink) Close() error { return nil }
