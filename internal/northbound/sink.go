// Package northbound 把告警生命周期事件推送到外部系统（NATS、InfluxDB、Redis、日志）。
package northbound

import (
	"context"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

// EventType 告警事件类型
type EventType string

const (
	EventTriggered    EventType = "triggered"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
	EventNotification EventType = "notification"
)

// Event 告警事件
type Event struct {
	Type      EventType                  `json:"type"`
	Alert     *model.Alert               `json:"alert"`
	Attempt   *model.NotificationAttempt `json:"attempt,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Sink 事件输出接口
type Sink interface {
	// Name 返回连接器的唯一名称
	Name() string

	// Publish 发布一个事件，失败不影响告警本身
	Publish(ctx context.Context, ev Event) error

	// Close 释放资源
	Close() error
}

// Publisher 告警管理器使用的发布接口
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}
