package model

import "time"

// Severity 告警严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid 检查级别是否合法
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Channel 通知渠道类型
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
	ChannelChat    Channel = "chat"
)

// Valid 检查渠道是否合法
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelSMS, ChannelChat:
		return true
	}
	return false
}

// NotificationConfig 规则的通知配置
type NotificationConfig struct {
	Channels        []Channel `json:"channels" yaml:"channels"`
	Recipients      []string  `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	WebhookURL      string    `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
	ChatTarget      string    `json:"chat_target,omitempty" yaml:"chat_target,omitempty"`
	CooldownMinutes int       `json:"cooldown_minutes" yaml:"cooldown_minutes"`
}

// NotificationAttempt 单个渠道的一次投递记录
type NotificationAttempt struct {
	Channel Channel   `json:"channel"`
	SentAt  time.Time `json:"sent_at"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Alert 告警，每次规则命中产生一条
type Alert struct {
	ID       string   `json:"id"`
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Query    string   `json:"query"`

	MatchingLogs []LogEntry `json:"matching_logs,omitempty"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	TriggeredAt  time.Time  `json:"triggered_at"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	NotificationsSent []NotificationAttempt `json:"notifications_sent"`
}

// Clone 深拷贝，调用方拿到的告警不与存储共享切片
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.MatchingLogs != nil {
		c.MatchingLogs = append([]LogEntry(nil), a.MatchingLogs...)
	}
	if a.NotificationsSent != nil {
		c.NotificationsSent = append([]NotificationAttempt(nil), a.NotificationsSent...)
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		c.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Active 未解决的告警
func (a *Alert) Active() bool {
	return !a.Resolved
}

// AlertFilter 告警列表过滤条件
type AlertFilter struct {
	RuleID       string    `json:"rule_id" form:"rule_id"`
	Severity     Severity  `json:"severity" form:"severity"`
	Acknowledged *bool     `json:"acknowledged" form:"acknowledged"`
	Resolved     *bool     `json:"resolved" form:"resolved"`
	StartTime    time.Time `json:"start_time" form:"start_time"`
	EndTime      time.Time `json:"end_time" form:"end_time"`
	Page         int       `json:"page" form:"page"`
	PageSize     int       `json:"page_size" form:"page_size"`
}

// Match 检查告警是否满足过滤条件
func (f AlertFilter) Match(a *Alert) bool {
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	if !f.StartTime.IsZero() && a.TriggeredAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && a.TriggeredAt.After(f.EndTime) {
		return false
	}
	return true
}

// AlertStats 告警统计
type AlertStats struct {
	Total          int              `json:"total"`
	Active         int              `json:"active"`
	Unacknowledged int              `json:"unacknowledged"`
	Resolved       int              `json:"resolved"`
	LastHour       int              `json:"last_hour"`
	BySeverity     map[Severity]int `json:"by_severity"`
}
