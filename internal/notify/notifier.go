// Package notify 告警通知渠道：邮件、Webhook、短信和聊天机器人。
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/y001j/logwatch/internal/model"
)

var (
	// ErrMissingTarget 渠道缺少投递目标配置
	ErrMissingTarget = errors.New("通知目标未配置")
	// ErrChannelDisabled 渠道没有注册通知器
	ErrChannelDisabled = errors.New("通知渠道未启用")
)

// Target 投递目标
type Target struct {
	Recipients []string `json:"recipients,omitempty"`
	URL        string   `json:"url,omitempty"`
	ChatTarget string   `json:"chat_target,omitempty"`
}

// Message 通知内容
type Message struct {
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
	Alert   *model.Alert `json:"alert,omitempty"`
}

// Notifier 单个渠道的投递能力
type Notifier interface {
	Channel() model.Channel
	Deliver(ctx context.Context, target Target, msg Message) error
}

// TargetFor 从规则的通知配置中取出渠道对应的目标
func TargetFor(channel model.Channel, cfg model.NotificationConfig) Target {
	switch channel {
	case model.ChannelEmail, model.ChannelSMS:
		return Target{Recipients: cfg.Recipients}
	case model.ChannelWebhook:
		return Target{URL: cfg.WebhookURL}
	case model.ChannelChat:
		return Target{ChatTarget: cfg.ChatTarget, URL: cfg.WebhookURL}
	}
	return Target{}
}

// AlertMessage 告警的通知内容
func AlertMessage(a *model.Alert) Message {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.RuleName)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	fmt.Fprintf(&b, "规则: %s (%s)\n", a.RuleName, a.RuleID)
	fmt.Fprintf(&b, "级别: %s\n", a.Severity)
	fmt.Fprintf(&b, "查询: %s\n", a.Query)
	fmt.Fprintf(&b, "数值: %.2f  阈值: %.2f\n", a.Value, a.Threshold)
	fmt.Fprintf(&b, "触发时间: %s\n", a.TriggeredAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "告警ID: %s\n", a.ID)
	if len(a.MatchingLogs) > 0 {
		b.WriteString("\n最近日志:\n")
		for _, e := range a.MatchingLogs {
			fmt.Fprintf(&b, "  %s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
		}
	}

	return Message{Subject: subject, Body: b.String(), Alert: a}
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// isTargetError 配置缺失不是渠道故障，不计入熔断
func isTargetError(err error) bool {
	return errors.Is(err, ErrMissingTarget)
}
