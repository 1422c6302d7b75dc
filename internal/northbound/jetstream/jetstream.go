package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/northbound"
)

// Config NATS事件连接器配置
type Config struct {
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	JetStream     bool          `mapstructure:"jetstream"`
	StreamName    string        `mapstructure:"stream_name"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// Sink 把告警事件发布到NATS主题：
// <prefix>.triggered.<severity>、<prefix>.acknowledged、<prefix>.resolved、<prefix>.notification。
// 启用JetStream时事件写入持久化流。
type Sink struct {
	*northbound.BaseSink
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// New 创建NATS事件连接器
func New(conn *nats.Conn, cfg Config) (*Sink, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "logwatch.alerts"
	}
	s := &Sink{
		BaseSink: northbound.NewBaseSink("nats", "nats"),
		conn:     conn,
		prefix:   cfg.SubjectPrefix,
	}

	if cfg.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("创建JetStream上下文失败: %w", err)
		}
		if err := ensureStream(js, cfg); err != nil {
			return nil, err
		}
		s.js = js
	}

	log.Info().
		Str("prefix", s.prefix).
		Bool("jetstream", cfg.JetStream).
		Msg("NATS告警事件连接器初始化完成")
	return s, nil
}

func ensureStream(js nats.JetStreamContext, cfg Config) error {
	if cfg.StreamName == "" {
		cfg.StreamName = "LOGWATCH_ALERTS"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	if _, err := js.StreamInfo(cfg.StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
		MaxAge:   cfg.MaxAge,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("创建JetStream流失败: %w", err)
	}
	log.Info().Str("stream", cfg.StreamName).Msg("JetStream流已创建")
	return nil
}

// Subject 事件对应的主题
func (s *Sink) Subject(ev northbound.Event) string {
	subject := s.prefix + "." + string(ev.Type)
	if ev.Type == northbound.EventTriggered && ev.Alert != nil && ev.Alert.Severity != "" {
		subject += "." + string(ev.Alert.Severity)
	}
	return subject
}

func (s *Sink) Publish(ctx context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		subject := s.Subject(ev)
		if s.js != nil {
			_, err = s.js.Publish(subject, data, nats.Context(ctx))
			return err
		}
		return s.conn.Publish(subject, data)
	})
}

// Close 连接由运行时统一关闭，这里只刷新缓冲
func (s *Sink) Close() error {
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.FlushTimeout(2 * time.Second)
}
