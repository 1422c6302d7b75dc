package northbound

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// SinkStats 连接器统计信息
type SinkStats struct {
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	MessagesTotal  int64     `json:"messages_total"`
	MessagesFailed int64     `json:"messages_failed"`
	LastError      string    `json:"last_error,omitempty"`
	LastMessage    time.Time `json:"last_message"`
}

// BaseSink 提供统计和统一错误处理
type BaseSink struct {
	name       string
	sinkType   string
	total      int64
	failed     int64
	lastError  string
	lastMsg    time.Time
	statsMutex sync.RWMutex
}

// NewBaseSink 创建基础连接器
func NewBaseSink(name, sinkType string) *BaseSink {
	return &BaseSink{name: name, sinkType: sinkType}
}

// Name 返回连接器名称
func (b *BaseSink) Name() string {
	return b.name
}

// GetStats 获取连接器统计信息
func (b *BaseSink) GetStats() SinkStats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	return SinkStats{
		Name:           b.name,
		Type:           b.sinkType,
		MessagesTotal:  atomic.LoadInt64(&b.total),
		MessagesFailed: atomic.LoadInt64(&b.failed),
		LastError:      b.lastError,
		LastMessage:    b.lastMsg,
	}
}

// Track 执行一次发布并记录统计
func (b *BaseSink) Track(ev Event, publish func() error) error {
	start := time.Now()
	if err := publish(); err != nil {
		b.HandleError(err, string(ev.Type))
		return err
	}

	atomic.AddInt64(&b.total, 1)
	b.statsMutex.Lock()
	b.lastMsg = time.Now()
	b.statsMutex.Unlock()

	log.Debug().
		Str("sink", b.name).
		Str("event", string(ev.Type)).
		Float64("response_time_ms", float64(time.Since(start).Nanoseconds())/1000000.0).
		Msg("发布告警事件成功")
	return nil
}

// HandleError 统一错误处理
func (b *BaseSink) HandleError(err error, context string) {
	if err == nil {
		return
	}
	atomic.AddInt64(&b.failed, 1)
	b.statsMutex.Lock()
	b.lastError = err.Error()
	b.statsMutex.Unlock()

	log.Error().
		Err(err).
		Str("sink", b.name).
		Str("type", b.sinkType).
		Str("context", context).
		Msg("连接器操作失败")
}

// Fanout 把事件发给所有连接器，单个连接器失败只记录日志
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewFanout 创建事件分发器
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add 追加连接器
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Publish 实现 Publisher
func (f *Fanout) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Str("event", string(ev.Type)).Msg("告警事件发布失败")
		}
	}
}

// Stats 所有连接器的统计
func (f *Fanout) Stats() []SinkStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []SinkStats
	for _, s := range f.sinks {
		if st, ok := s.(interface{ GetStats() SinkStats }); ok {
			out = append(out, st.GetStats())
		}
	}
	return out
}

// Close 关闭所有连接器
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Msg("关闭连接器失败")
		}
	}
	return nil
}
