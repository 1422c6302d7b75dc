// Package storage 告警和报表的持久化。
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/y001j/logwatch/internal/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// AlertStore 告警存储，告警只会新增和更新，不删除
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	// ListAlerts 按触发时间倒序，返回分页结果和过滤后的总数
	ListAlerts(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, int, error)
}

// ReportStore 报表定义、定时配置和执行记录
type ReportStore interface {
	SaveDefinition(ctx context.Context, def *model.ReportDefinition) error
	GetDefinition(ctx context.Context, id string) (*model.ReportDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.ReportDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	SaveSchedule(ctx context.Context, s *model.ReportSchedule) error
	GetSchedule(ctx context.Context, id string) (*model.ReportSchedule, error)
	ListSchedules(ctx context.Context) ([]*model.ReportSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	SaveExecution(ctx context.Context, e *model.ReportExecution) error
	GetExecution(ctx context.Context, id string) (*model.ReportExecution, error)
	// ListExecutions scheduleID 为空时返回全部，按计划时间倒序
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*model.ReportExecution, error)
}

// Store 完整存储
type Store interface {
	AlertStore
	ReportStore
	Close() error
}

// Config 存储配置
type Config struct {
	Type   string       `mapstructure:"type"` // sqlite, memory
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// New 根据配置创建存储
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite", "":
		return NewSQLiteStoreWithConfig(cfg.SQLite)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}

// paginate 页码从1开始，pageSize≤0 表示不分页
func paginate(alerts []*model.Alert, page, pageSize int) []*model.Alert {
	if pageSize <= 0 {
		return alerts
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(alerts) {
		return []*model.Alert{}
	}
	end := start + pageSize
	if end > len(alerts) {
		end = len(alerts)
	}
	return alerts[start:end]
}

func sortAlerts(alerts []*model.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
}
