package rules

import (
	"time"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/schedule"
)

// Operator 比较操作符
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Aggregation 聚合方式
type Aggregation string

const (
	AggCount Aggregation = "count"
	AggRate  Aggregation = "rate"
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
)

// Valid 是否为支持的聚合方式
func (a Aggregation) Valid() bool {
	switch a {
	case AggCount, AggRate, AggAvg, AggSum, AggMin, AggMax:
		return true
	}
	return false
}

// Conditions 触发条件
type Conditions struct {
	Threshold         float64     `json:"threshold" yaml:"threshold"`
	TimeWindowMinutes int         `json:"time_window_minutes" yaml:"time_window_minutes"`
	Operator          Operator    `json:"operator" yaml:"operator"`
	Aggregation       Aggregation `json:"aggregation" yaml:"aggregation"`
}

// Window 查询的时间窗口
func (c Conditions) Window() time.Duration {
	return time.Duration(c.TimeWindowMinutes) * time.Minute
}

// AlertRule 告警规则
type AlertRule struct {
	ID            string                   `json:"id" yaml:"id"`
	Name          string                   `json:"name" yaml:"name"`
	Description   string                   `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled       bool                     `json:"enabled" yaml:"enabled"`
	Query         string                   `json:"query" yaml:"query"`
	Conditions    Conditions               `json:"conditions" yaml:"conditions"`
	Severity      model.Severity           `json:"severity" yaml:"severity"`
	Notifications model.NotificationConfig `json:"notifications" yaml:"notifications"`
	ActiveWindow  *schedule.Window         `json:"active_window,omitempty" yaml:"active_window,omitempty"`

	// 由评估循环维护
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty" yaml:"last_triggered_at,omitempty"`
	TriggerCount    int64      `json:"trigger_count" yaml:"trigger_count"`

	Version   int       `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Clone 深拷贝，评估时使用快照避免和外部编辑互相影响
func (r *AlertRule) Clone() *AlertRule {
	if r == nil {
		return nil
	}
	c := *r
	c.Notifications.Channels = append([]model.Channel(nil), r.Notifications.Channels...)
	c.Notifications.Recipients = append([]string(nil), r.Notifications.Recipients...)
	if r.ActiveWindow != nil {
		w := *r.ActiveWindow
		w.DaysOfWeek = append([]int(nil), r.ActiveWindow.DaysOfWeek...)
		c.ActiveWindow = &w
	}
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// RulePatch 规则的部分更新，nil字段保持不变
type RulePatch struct {
	Name          *string                   `json:"name,omitempty"`
	Description   *string                   `json:"description,omitempty"`
	Enabled       *bool                     `json:"enabled,omitempty"`
	Query         *string                   `json:"query,omitempty"`
	Conditions    *Conditions               `json:"conditions,omitempty"`
	Severity      *model.Severity           `json:"severity,omitempty"`
	Notifications *model.NotificationConfig `json:"notifications,omitempty"`
	ActiveWindow  *schedule.Window          `json:"active_window,omitempty"`
}

// Apply 把补丁应用到规则上。簿记字段（LastTriggeredAt、TriggerCount）不受影响。
func (p RulePatch) Apply(r *AlertRule) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Query != nil {
		r.Query = *p.Query
	}
	if p.Conditions != nil {
		r.Conditions = *p.Conditions
	}
	if p.Severity != nil {
		r.Severity = *p.Severity
	}
	if p.Notifications != nil {
		r.Notifications = *p.Notifications
	}
	if p.ActiveWindow != nil {
		w := *p.ActiveWindow
		r.ActiveWindow = &w
	}
}

// RuleChangeEvent 规则变更事件
type RuleChangeEvent struct {
	Type string     `json:"type"` // create, update, delete
	Rule *AlertRule `json:"rule"`
}
