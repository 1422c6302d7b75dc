package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/northbound"
)

// Config MQTT连接器配置
type Config struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retained       bool          `mapstructure:"retained"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Sink 把告警事件发布到MQTT主题 <prefix>/<事件类型>/<级别>
type Sink struct {
	*northbound.BaseSink
	client  mqtt.Client
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
}

// New 创建MQTT连接器并连接服务器
func New(cfg Config) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker 地址不能为空")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("logwatch-%d", time.Now().UnixNano())
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("无效的QoS: %d", cfg.QoS)
	}

	s := &Sink{
		BaseSink: northbound.NewBaseSink("mqtt", "mqtt"),
		prefix:   strings.TrimSuffix(defaultString(cfg.TopicPrefix, "logwatch/alerts"), "/"),
		qos:      cfg.QoS,
		retain:   cfg.Retained,
		timeout:  cfg.PublishTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT连接成功")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.HandleError(err, "MQTT连接断开")
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		// SetConnectRetry 下连接会在后台继续
		log.Warn().Str("broker", cfg.Broker).Msg("MQTT首次连接超时，后台重试")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接MQTT服务器失败: %w", err)
	}

	log.Info().
		Str("broker", cfg.Broker).
		Str("topic_prefix", s.prefix).
		Uint8("qos", s.qos).
		Msg("MQTT告警事件连接器初始化完成")
	return s, nil
}

// Topic 事件对应的主题
func (s *Sink) Topic(ev northbound.Event) string {
	return topicFor(s.prefix, ev)
}

func topicFor(prefix string, ev northbound.Event) string {
	topic := prefix + "/" + string(ev.Type)
	if ev.Alert != nil && ev.Alert.Severity != "" {
		topic += "/" + string(ev.Alert.Severity)
	}
	return topic
}

func (s *Sink) Publish(_ context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		token := s.client.Publish(s.Topic(ev), s.qos, s.retain, data)
		if !token.WaitTimeout(s.timeout) {
			return fmt.Errorf("发布MQTT消息超时")
		}
		return token.Error()
	})
}

// Close 断开连接，最多等待250ms发送剩余消息
func (s *Sink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
