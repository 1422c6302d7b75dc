package logsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
)

// NATSConfig NATS日志源配置
type NATSConfig struct {
	Subject    string `mapstructure:"subject"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// NATSSource 订阅NATS主题，把收到的日志保存在环形缓冲区中供查询
type NATSSource struct {
	subject string
	buffer  *RingBuffer
	sub     *nats.Subscription
}

// NewNATSSource 创建并订阅NATS日志源
func NewNATSSource(nc *nats.Conn, cfg NATSConfig) (*NATSSource, error) {
	if cfg.Subject == "" {
		cfg.Subject = "logwatch.logs.>"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}

	s := &NATSSource{
		subject: cfg.Subject,
		buffer:  NewRingBuffer(cfg.BufferSize),
	}

	sub, err := nc.Subscribe(cfg.Subject, s.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("订阅日志主题失败: %w", err)
	}
	s.sub = sub

	log.Info().
		Str("subject", cfg.Subject).
		Int("buffer_size", cfg.BufferSize).
		Msg("NATS日志源已订阅")
	return s, nil
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) handleMessage(msg *nats.Msg) {
	entry, err := DecodeEntry(msg.Data)
	if err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("日志消息解析失败")
		return
	}
	if entry.Source == "" {
		entry.Source = msg.Subject
	}
	s.buffer.Add(entry)
}

// Search 在缓冲区中查询
func (s *NATSSource) Search(ctx context.Context, query string, start, end time.Time, maxEntries int) ([]model.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.buffer.Collect(start, end, maxEntries, func(e model.LogEntry) bool {
		return Match(query, e)
	}), nil
}

// Close 取消订阅
func (s *NATSSource) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// DecodeEntry 把JSON文档解析为日志条目。识别的键：
// level、message/msg/log、timestamp/@timestamp/time、source；其余键放入Metadata。
func DecodeEntry(data []byte) (model.LogEntry, error) {
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return model.LogEntry{}, err
	}
	return entryFromDocument(doc), nil
}

func entryFromDocument(doc map[string]interface{}) model.LogEntry {
	entry := model.LogEntry{Metadata: make(map[string]interface{})}

	for k, v := range doc {
		switch k {
		case "level", "severity":
			entry.Level = fmt.Sprint(v)
		case "message", "msg", "log":
			if entry.Message == "" {
				entry.Message = fmt.Sprint(v)
			}
		case "timestamp", "@timestamp", "time":
			if ts, ok := parseTimestamp(v); ok {
				entry.Timestamp = ts
			}
		case "source", "host":
			if entry.Source == "" {
				entry.Source = fmt.Sprint(v)
			}
		case "metadata", "fields":
			if m, ok := v.(map[string]interface{}); ok {
				for mk, mv := range m {
					entry.Metadata[mk] = mv
				}
			}
		default:
			entry.Metadata[k] = v
		}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return entry
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			// 毫秒时间戳
			if n > 1e12 {
				return time.UnixMilli(n), true
			}
			return time.Unix(n, 0), true
		}
	}
	return time.Time{}, false
}
