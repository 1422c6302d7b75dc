// Package alerts 告警生命周期：创建、确认、解决、通知记录和统计。
// 告警只会更新不会删除，过期清理由外部负责。
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/northbound"
	"github.com/y001j/logwatch/internal/storage"
)

// ErrNotFound 告警不存在
var ErrNotFound = storage.ErrNotFound

// Manager 告警管理器
type Manager struct {
	store     storage.AlertStore
	publisher northbound.Publisher
	now       func() time.Time

	// 读改写操作串行化，保证确认和解决幂等
	mu sync.Mutex
}

// NewManager 创建告警管理器，publisher 可以为 nil
func NewManager(store storage.AlertStore, publisher northbound.Publisher) *Manager {
	return &Manager{store: store, publisher: publisher, now: time.Now}
}

// SetClock 替换时钟，测试使用
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Create 保存新告警并发布触发事件
func (m *Manager) Create(ctx context.Context, alert *model.Alert) (*model.Alert, error) {
	if alert == nil {
		return nil, fmt.Errorf("告警不能为空")
	}
	a := alert.Clone()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = m.now()
	}
	if a.NotificationsSent == nil {
		a.NotificationsSent = []model.NotificationAttempt{}
	}

	m.mu.Lock()
	err := m.store.SaveAlert(ctx, a)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("保存告警失败: %w", err)
	}

	log.Info().
		Str("alert_id", a.ID).
		Str("rule_id", a.RuleID).
		Str("severity", string(a.Severity)).
		Float64("value", a.Value).
		Msg("告警已创建")

	m.publish(ctx, northbound.EventTriggered, a, nil)
	return a.Clone(), nil
}

// Get 获取告警
func (m *Manager) Get(ctx context.Context, id string) (*model.Alert, error) {
	return m.store.GetAlert(ctx, id)
}

// Acknowledge 确认告警。重复确认不改变首次确认的时间和操作人。
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*model.Alert, error) {
	a, changed, err := m.mutate(ctx, id, func(a *model.Alert) bool {
		if a.Acknowledged {
			return false
		}
		now := m.now()
		a.Acknowledged = true
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("alert_id", id).Str("actor", actor).Msg("告警已确认")
		m.publish(ctx, northbound.EventAcknowledged, a, nil)
	}
	return a, nil
}

// Resolve 解决告警，幂等
func (m *Manager) Resolve(ctx context.Context, id string) (*model.Alert, error) {
	a, changed, err := m.mutate(ctx, id, func(a *model.Alert) bool {
		if a.Resolved {
			return false
		}
		now := m.now()
		a.Resolved = true
		a.ResolvedAt = &now
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("alert_id", id).Msg("告警已解决")
		m.publish(ctx, northbound.EventResolved, a, nil)
	}
	return a, nil
}

// RecordNotification 追加一次通知投递记录
func (m *Manager) RecordNotification(ctx context.Context, alertID string, attempt model.NotificationAttempt) error {
	if attempt.SentAt.IsZero() {
		attempt.SentAt = m.now()
	}
	a, _, err := m.mutate(ctx, alertID, func(a *model.Alert) bool {
		a.NotificationsSent = append(a.NotificationsSent, attempt)
		return true
	})
	if err != nil {
		return err
	}
	m.publish(ctx, northbound.EventNotification, a, &attempt)
	return nil
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(a *model.Alert) bool) (*model.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !fn(a) {
		return a, false, nil
	}
	if err := m.store.SaveAlert(ctx, a); err != nil {
		return nil, false, fmt.Errorf("更新告警失败: %w", err)
	}
	return a.Clone(), true, nil
}

// ListActive 未解决的告警
func (m *Manager) ListActive(ctx context.Context) ([]*model.Alert, error) {
	resolved := false
	alerts, _, err := m.store.ListAlerts(ctx, model.AlertFilter{Resolved: &resolved})
	return alerts, err
}

// ListUnacknowledged 未确认且未解决的告警
func (m *Manager) ListUnacknowledged(ctx context.Context) ([]*model.Alert, error) {
	f := false
	alerts, _, err := m.store.ListAlerts(ctx, model.AlertFilter{Resolved: &f, Acknowledged: &f})
	return alerts, err
}

// List 按条件分页查询
func (m *Manager) List(ctx context.Context, filter model.AlertFilter) ([]*model.Alert, int, error) {
	return m.store.ListAlerts(ctx, filter)
}

// Stats 告警统计，LastHour 为 now 之前一小时内触发的数量
func (m *Manager) Stats(ctx context.Context, now time.Time) (model.AlertStats, error) {
	all, _, err := m.store.ListAlerts(ctx, model.AlertFilter{})
	if err != nil {
		return model.AlertStats{}, err
	}

	stats := model.AlertStats{Total: len(all), BySeverity: make(map[model.Severity]int)}
	hourAgo := now.Add(-time.Hour)
	for _, a := range all {
		stats.BySeverity[a.Severity]++
		if a.Resolved {
			stats.Resolved++
		} else {
			stats.Active++
			if !a.Acknowledged {
				stats.Unacknowledged++
			}
		}
		if a.TriggeredAt.After(hourAgo) && !a.TriggeredAt.After(now) {
			stats.LastHour++
		}
	}
	return stats, nil
}

func (m *Manager) publish(ctx context.Context, typ northbound.EventType, a *model.Alert, attempt *model.NotificationAttempt) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(ctx, northbound.Event{Type: typ, Alert: a, Attempt: attempt, Timestamp: m.now()})
}
