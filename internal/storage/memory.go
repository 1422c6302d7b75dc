package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/y001j/logwatch/internal/model"
)

// MemoryStore 内存存储，进程重启后数据丢失
type MemoryStore struct {
	mu          sync.RWMutex
	alerts      map[string]*model.Alert
	definitions map[string]*model.ReportDefinition
	schedules   map[string]*model.ReportSchedule
	executions  map[string]*model.ReportExecution
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:      make(map[string]*model.Alert),
		definitions: make(map[string]*model.ReportDefinition),
		schedules:   make(map[string]*model.ReportSchedule),
		executions:  make(map[string]*model.ReportExecution),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveAlert(_ context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("告警 %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, filter model.AlertFilter) ([]*model.Alert, int, error) {
	s.mu.RLock()
	var matched []*model.Alert
	for _, a := range s.alerts {
		if filter.Match(a) {
			matched = append(matched, a.Clone())
		}
	}
	s.mu.RUnlock()

	sortAlerts(matched)
	return paginate(matched, filter.Page, filter.PageSize), len(matched), nil
}

func (s *MemoryStore) SaveDefinition(_ context.Context, def *model.ReportDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def.Clone()
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*model.ReportDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("报表 %s: %w", id, ErrNotFound)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context) ([]*model.ReportDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ReportDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return fmt.Errorf("报表 %s: %w", id, ErrNotFound)
	}
	delete(s.definitions, id)
	return nil
}

func (s *MemoryStore) SaveSchedule(_ context.Context, sched *model.ReportSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.ID] = sched.Clone()
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*model.ReportSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("报表计划 %s: %w", id, ErrNotFound)
	}
	return sc.Clone(), nil
}

func (s *MemoryStore) ListSchedules(_ context.Context) ([]*model.ReportSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ReportSchedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("报表计划 %s: %w", id, ErrNotFound)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, e *model.ReportExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*model.ReportExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("报表执行 %s: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, scheduleID string, limit int) ([]*model.ReportExecution, error) {
	s.mu.RLock()
	var out []*model.ReportExecution
	for _, e := range s.executions {
		if scheduleID == "" || e.ScheduleID == scheduleID {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
