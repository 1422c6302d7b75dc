package model

import "time"

// ReportFormat 报表输出格式
type ReportFormat string

const (
	FormatCSV  ReportFormat = "csv"
	FormatJSON ReportFormat = "json"
	FormatYAML ReportFormat = "yaml"
)

// Valid 检查格式是否支持
func (f ReportFormat) Valid() bool {
	switch f {
	case FormatCSV, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// ReportFilter 报表过滤条件
type ReportFilter struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"` // eq, ne, contains, regex
	Value    string `json:"value" yaml:"value"`
}

// ReportDefinition 报表定义：查询、列和过滤
type ReportDefinition struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Query           string         `json:"query"`
	Fields          []string       `json:"fields"`
	Filters         []ReportFilter `json:"filters,omitempty"`
	LookbackMinutes int            `json:"lookback_minutes"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ReportSchedule 报表定时配置
type ReportSchedule struct {
	ID         string       `json:"id"`
	ReportID   string       `json:"report_id"`
	Name       string       `json:"name"`
	Enabled    bool         `json:"enabled"`
	Cron       string       `json:"cron"`
	Recipients []string     `json:"recipients"`
	Format     ReportFormat `json:"format"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_run,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ExecutionStatus 报表执行状态
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal 终态之后执行记录不可再改
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition 只允许 pending→running→{completed|failed}
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// ReportResult 执行结果
type ReportResult struct {
	FileRef     string `json:"file_ref,omitempty"`
	RecordCount int    `json:"record_count"`
	Error       string `json:"error,omitempty"`
}

// ReportExecution 一次定时报表执行
type ReportExecution struct {
	ID          string          `json:"id"`
	ReportID    string          `json:"report_id"`
	ScheduleID  string          `json:"schedule_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Result      ReportResult    `json:"result"`
	Recipients  []string        `json:"recipients"`
	Format      ReportFormat    `json:"format"`
}

// Clone 深拷贝
func (d *ReportDefinition) Clone() *ReportDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = append([]string(nil), d.Fields...)
	c.Filters = append([]ReportFilter(nil), d.Filters...)
	return &c
}

// Clone 深拷贝
func (s *ReportSchedule) Clone() *ReportSchedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Recipients = append([]string(nil), s.Recipients...)
	c.LastRun = cloneTime(s.LastRun)
	c.NextRun = cloneTime(s.NextRun)
	return &c
}

// Clone 深拷贝
func (e *ReportExecution) Clone() *ReportExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Recipients = append([]string(nil), e.Recipients...)
	c.ExecutedAt = cloneTime(e.ExecutedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
